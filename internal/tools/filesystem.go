package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
)

// WorkspaceReader serves "read <path>" without spawning a process. Paths are
// resolved against the command cwd and must stay inside Root.
type WorkspaceReader struct {
	Root string
}

func NewWorkspaceReader(root string) (*WorkspaceReader, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &WorkspaceReader{Root: absRoot}, nil
}

func (f *WorkspaceReader) match(setup Setup) bool {
	tokens, err := shlex.Split(setup.Run)
	return err == nil && len(tokens) == 2 && tokens[0] == "read"
}

func (f *WorkspaceReader) execute(ctx context.Context, setup Setup) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Canceled: true, Err: fmt.Errorf("canceled before start: %w", err)}
	}
	tokens, err := shlex.Split(setup.Run)
	if err != nil || len(tokens) != 2 {
		return failed("usage: read <path>", start)
	}

	target, err := f.resolve(setup.Cwd, tokens[1])
	if err != nil {
		return failed(err.Error(), start)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return failed(fmt.Sprintf("failed to read file: %v", err), start)
	}
	code := 0
	return Result{Stdout: string(data), ExitCode: &code, Duration: time.Since(start)}
}

func (f *WorkspaceReader) resolve(cwd, name string) (string, error) {
	target, ok := confine(f.Root, cwd, name)
	if !ok {
		return "", fmt.Errorf("unsafe path attempt: %s", name)
	}
	return target, nil
}

// confine joins name onto cwd, both taken relative to root unless absolute,
// and reports whether the result stays inside root.
func confine(root, cwd, name string) (string, bool) {
	base := cwd
	if !filepath.IsAbs(base) {
		base = filepath.Join(root, base)
	}
	target := name
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, name)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

func failed(msg string, start time.Time) Result {
	code := 1
	return Result{Stderr: msg + "\n", ExitCode: &code, Duration: time.Since(start)}
}
