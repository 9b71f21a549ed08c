package gateway

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rahul/stepwise/internal/observability"
	"golang.org/x/term"
)

const (
	colorReset  = "\033[0m"
	colorCyan   = "\033[36m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorBold   = "\033[1m"
)

// Console is the terminal Messenger. Colors are used only when the output is
// a terminal.
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	outFd int
	color bool
	mu    sync.Mutex
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{in: bufio.NewReader(in), out: out, outFd: -1}
	if f, ok := out.(*os.File); ok {
		c.outFd = int(f.Fd())
		c.color = term.IsTerminal(c.outFd)
	}
	return c
}

// Writer is where the console prints.
func (c *Console) Writer() io.Writer { return c.out }

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (c *Console) width() int {
	if c.outFd < 0 {
		return 80
	}
	w, _, err := term.GetSize(c.outFd)
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func (c *Console) paint(color, text string) string {
	if !c.color {
		return text
	}
	return color + text + colorReset
}

func (c *Console) ReadLine(prompt string) (string, error) {
	c.mu.Lock()
	fmt.Fprint(c.out, c.paint(colorBold, prompt))
	c.mu.Unlock()

	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Console) Send(sessionID string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rule := strings.Repeat("─", min(c.width(), 60))
	_, err := fmt.Fprintf(c.out, "%s\n%s\n", c.paint(colorCyan, rule), text)
	return err
}

func (c *Console) Status(evt observability.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	color := colorCyan
	switch evt.Level {
	case observability.LevelWarn:
		color = colorYellow
	case observability.LevelError:
		color = colorRed
	}
	fmt.Fprintf(c.out, "%s %s\n", c.paint(color, "["+string(evt.Level)+"]"), evt.Message)
	if d := renderDetails(evt.Details); d != "" {
		fmt.Fprintf(c.out, "  %s\n", d)
	}
	if evt.NeedsHuman {
		fmt.Fprintln(c.out, c.paint(colorBold, "  waiting for your input"))
	}
}

func renderDetails(d any) string {
	switch v := d.(type) {
	case nil:
		return ""
	case string:
		return v
	case error:
		return v.Error()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprint(d)
	}
	return string(data)
}
