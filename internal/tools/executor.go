package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"go.uber.org/zap"
)

const (
	DefaultKillGrace     = 2 * time.Second
	DefaultHeadLines     = 100
	DefaultTruncateLines = 100
)

// Setup is the immutable description of one command invocation.
type Setup struct {
	Run         string
	Shell       string
	Cwd         string
	Timeout     time.Duration
	FilterRegex string
	TailLines   int
	MaxBytes    int
}

// SetupFromCommand converts a normalized plan command.
func SetupFromCommand(cmd plan.Command) Setup {
	s := Setup{
		Run:         strings.TrimSpace(cmd.Run),
		Shell:       cmd.Shell,
		Cwd:         cmd.Cwd,
		Timeout:     time.Duration(cmd.TimeoutSec) * time.Second,
		FilterRegex: cmd.FilterRegex,
		TailLines:   cmd.TailLines,
		MaxBytes:    cmd.MaxBytes,
	}
	if s.Shell == "" {
		s.Shell = plan.DefaultShell
	}
	if s.Cwd == "" {
		s.Cwd = plan.DefaultCwd
	}
	if s.Timeout <= 0 {
		s.Timeout = plan.DefaultTimeoutSec * time.Second
	}
	return s
}

// Result is what a settled command produced. Failures to spawn or to read the
// captured output are reported in Err rather than returned.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  *int
	Killed    bool
	TimedOut  bool
	Canceled  bool
	Truncated bool
	Duration  time.Duration
	Err       error
}

// Succeeded reports a clean zero exit.
func (r Result) Succeeded() bool {
	return r.Err == nil && !r.Killed && r.ExitCode != nil && *r.ExitCode == 0
}

// Observation renders the result for the model.
func (r Result) Observation() *plan.Observation {
	obs := &plan.Observation{
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		Truncated: r.Truncated,
		ExitCode:  r.ExitCode,
	}
	switch {
	case r.TimedOut:
		obs.Summary = fmt.Sprintf("command timed out after %s and was terminated", r.Duration.Round(time.Millisecond))
	case r.Canceled:
		obs.OperationCanceled = true
		obs.Summary = "command was canceled"
	case r.Err != nil:
		obs.Summary = "command could not be executed"
		obs.Details = r.Err.Error()
	}
	return obs
}

// Executor runs shell commands with output captured to temp files. When
// Workspace is set, relative cwds resolve against it and a cwd outside it is
// refused.
type Executor struct {
	Workspace     string
	TempRoot      string
	KillGrace     time.Duration
	HeadLines     int
	TruncateLines int
	logger        *observability.Logger
}

func NewExecutor(logger *observability.Logger) *Executor {
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Executor{
		KillGrace:     DefaultKillGrace,
		HeadLines:     DefaultHeadLines,
		TruncateLines: DefaultTruncateLines,
		logger:        logger,
	}
}

// Execute runs setup to completion, timeout or cancellation of ctx. A
// canceled ctx terminates the process group, then kills it after KillGrace.
func (e *Executor) Execute(ctx context.Context, setup Setup) Result {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return Result{Canceled: true, Err: fmt.Errorf("canceled before start: %w", err)}
	}
	workDir, err := e.workDir(setup.Cwd)
	if err != nil {
		return Result{Err: err, Duration: time.Since(start)}
	}
	setup.Cwd = workDir

	dir, err := os.MkdirTemp(e.TempRoot, "cmd-"+uuid.NewString()+"-")
	if err != nil {
		return Result{Err: fmt.Errorf("create output dir: %w", err), Duration: time.Since(start)}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("failed to remove command output dir", zap.String("dir", dir), zap.Error(err))
		}
	}()

	stdoutPath := filepath.Join(dir, "stdout")
	stderrPath := filepath.Join(dir, "stderr")
	res := e.run(ctx, setup, stdoutPath, stderrPath)
	res.Duration = time.Since(start)

	stdout, outErr := os.ReadFile(stdoutPath)
	stderr, errErr := os.ReadFile(stderrPath)
	if readErr := errors.Join(ignoreMissing(outErr), ignoreMissing(errErr)); readErr != nil && res.Err == nil {
		res.Err = fmt.Errorf("read command output: %w", readErr)
	}
	e.finish(&res, setup, string(stdout), string(stderr))
	return res
}

func (e *Executor) run(ctx context.Context, setup Setup, stdoutPath, stderrPath string) Result {
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return Result{Err: fmt.Errorf("create stdout file: %w", err)}
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return Result{Err: fmt.Errorf("create stderr file: %w", err)}
	}
	defer stderr.Close()

	cmd := exec.Command(setup.Shell, "-c", setup.Run)
	cmd.Dir = setup.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return Result{Err: fmt.Errorf("start command: %w", err)}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timeout := time.NewTimer(setup.Timeout)
	defer timeout.Stop()
	var escalate <-chan time.Time
	var escalateTimer *time.Timer
	defer func() {
		if escalateTimer != nil {
			escalateTimer.Stop()
		}
	}()

	var res Result
	done := ctx.Done()
	terminate := func() {
		res.Killed = true
		terminateProcess(cmd)
		escalateTimer = time.NewTimer(e.grace())
		escalate = escalateTimer.C
	}

	for {
		select {
		case err := <-waitCh:
			if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
				code := cmd.ProcessState.ExitCode()
				res.ExitCode = &code
			} else if err != nil && !res.Killed {
				res.Err = fmt.Errorf("wait for command: %w", err)
			}
			return res
		case <-timeout.C:
			if !res.Killed {
				res.TimedOut = true
				terminate()
			}
		case <-done:
			done = nil
			if !res.Killed {
				res.Canceled = true
				terminate()
			}
		case <-escalate:
			escalate = nil
			killProcess(cmd)
		}
	}
}

func (e *Executor) finish(res *Result, setup Setup, stdout, stderr string) {
	var err error
	if stdout, err = FilterLines(stdout, setup.FilterRegex); err != nil {
		e.logger.Warn("ignoring invalid filter_regex", zap.String("pattern", setup.FilterRegex), zap.Error(err))
	}
	stderr, _ = FilterLines(stderr, setup.FilterRegex)
	stdout = TailLines(stdout, setup.TailLines)
	stderr = TailLines(stderr, setup.TailLines)

	stdout, stderr = CombineStdStreams(stdout, stderr, res.ExitCode)

	var cutOut, cutErr bool
	res.Stdout, cutOut = TruncateOutput(stdout, e.HeadLines, e.TruncateLines, setup.MaxBytes)
	res.Stderr, cutErr = TruncateOutput(stderr, e.HeadLines, e.TruncateLines, setup.MaxBytes)
	res.Truncated = cutOut || cutErr
}

func (e *Executor) workDir(cwd string) (string, error) {
	if e.Workspace == "" {
		return cwd, nil
	}
	dir, ok := confine(e.Workspace, cwd, ".")
	if !ok {
		return "", fmt.Errorf("cwd %q is outside the workspace", cwd)
	}
	return dir, nil
}

func (e *Executor) grace() time.Duration {
	if e.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return e.KillGrace
}

func ignoreMissing(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
