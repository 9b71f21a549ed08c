package governance

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rahul/stepwise/internal/plan"
)

// LineReader reads one line of human input.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// CLIPrompter implements the textual approval menu.
type CLIPrompter struct {
	in  LineReader
	out io.Writer
}

func NewCLIPrompter(in LineReader, out io.Writer) *CLIPrompter {
	return &CLIPrompter{in: in, out: out}
}

func (p *CLIPrompter) Prompt(ctx context.Context, cmd plan.Command, why string) (Choice, error) {
	fmt.Fprintf(p.out, "\nApproval required: %s\n", cmd.Run)
	fmt.Fprintf(p.out, "  shell: %s  cwd: %s\n", cmd.Shell, cmd.Cwd)
	if cmd.Reason != "" {
		fmt.Fprintf(p.out, "  reason: %s\n", cmd.Reason)
	}
	if why != "" {
		fmt.Fprintf(p.out, "  not auto-approved: %s\n", why)
	}
	fmt.Fprintln(p.out, "  1) Run once")
	fmt.Fprintln(p.out, "  2) Approve for this session")
	fmt.Fprintln(p.out, "  3) Reject")

	for {
		if err := ctx.Err(); err != nil {
			return ChoiceReject, err
		}
		line, err := p.in.ReadLine("Select 1, 2 or 3: ")
		if err != nil {
			return ChoiceReject, err
		}
		if choice, ok := ParseChoice(line); ok {
			return choice, nil
		}
		fmt.Fprintln(p.out, "Please answer 1 (run once), 2 (approve for session) or 3 (reject).")
	}
}

// ParseChoice maps a menu answer to a choice.
func ParseChoice(answer string) (Choice, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "1", "y", "yes":
		return ChoiceRunOnce, true
	case "2":
		return ChoiceApproveSession, true
	case "3", "n", "no":
		return ChoiceReject, true
	}
	return ChoiceReject, false
}
