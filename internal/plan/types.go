package plan

import (
	"errors"
	"math"
)

// Status is the lifecycle state of a plan step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Statuses lists every valid status in declaration order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusAbandoned}

// Terminal reports whether a step in this status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

var ErrUnknownStep = errors.New("unknown plan step")

const (
	DefaultShell      = "bash"
	DefaultCwd        = "."
	DefaultTimeoutSec = 60
	DefaultTailLines  = 200
	DefaultMaxBytes   = 16384
)

// Command is the normalized command payload of a step. Every field is set.
type Command struct {
	Reason      string `json:"reason"`
	Shell       string `json:"shell"`
	Run         string `json:"run"`
	Cwd         string `json:"cwd"`
	TimeoutSec  int    `json:"timeout_sec"`
	FilterRegex string `json:"filter_regex"`
	TailLines   int    `json:"tail_lines"`
	MaxBytes    int    `json:"max_bytes"`
}

// CommandDraft is the command shape the model sends; omitted fields get defaults.
type CommandDraft struct {
	Reason      *string `json:"reason,omitempty"`
	Shell       *string `json:"shell,omitempty"`
	Run         *string `json:"run,omitempty"`
	Cwd         *string `json:"cwd,omitempty"`
	TimeoutSec  *int    `json:"timeout_sec,omitempty"`
	FilterRegex *string `json:"filter_regex,omitempty"`
	TailLines   *int    `json:"tail_lines,omitempty"`
	MaxBytes    *int    `json:"max_bytes,omitempty"`
}

// Normalize fills omitted fields with defaults.
func (d CommandDraft) Normalize() Command {
	cmd := Command{
		Shell:      DefaultShell,
		Cwd:        DefaultCwd,
		TimeoutSec: DefaultTimeoutSec,
		TailLines:  DefaultTailLines,
		MaxBytes:   DefaultMaxBytes,
	}
	if d.Reason != nil {
		cmd.Reason = *d.Reason
	}
	if d.Shell != nil && *d.Shell != "" {
		cmd.Shell = *d.Shell
	}
	if d.Run != nil {
		cmd.Run = *d.Run
	}
	if d.Cwd != nil && *d.Cwd != "" {
		cmd.Cwd = *d.Cwd
	}
	if d.TimeoutSec != nil && *d.TimeoutSec > 0 {
		cmd.TimeoutSec = *d.TimeoutSec
	}
	if d.FilterRegex != nil {
		cmd.FilterRegex = *d.FilterRegex
	}
	if d.TailLines != nil {
		cmd.TailLines = *d.TailLines
	}
	if d.MaxBytes != nil && *d.MaxBytes > 0 {
		cmd.MaxBytes = *d.MaxBytes
	}
	return cmd
}

// Observation is the structured result fed back to the model.
type Observation struct {
	Plan                    []Step `json:"plan,omitempty"`
	Stdout                  string `json:"stdout,omitempty"`
	Stderr                  string `json:"stderr,omitempty"`
	Truncated               bool   `json:"truncated,omitempty"`
	ExitCode                *int   `json:"exit_code,omitempty"`
	JSONParseError          bool   `json:"json_parse_error,omitempty"`
	SchemaValidationError   bool   `json:"schema_validation_error,omitempty"`
	ResponseValidationError bool   `json:"response_validation_error,omitempty"`
	CanceledByHuman         bool   `json:"canceled_by_human,omitempty"`
	OperationCanceled       bool   `json:"operation_canceled,omitempty"`
	Summary                 string `json:"summary,omitempty"`
	Details                 string `json:"details,omitempty"`
}

// Step is a unit of work in the active plan.
type Step struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       Status       `json:"status"`
	WaitingForID []string     `json:"waitingForId"`
	Command      *Command     `json:"command,omitempty"`
	Priority     *float64     `json:"priority,omitempty"`
	Observation  *Observation `json:"observation,omitempty"`
}

// HasCommand reports whether the step carries something to run.
func (s Step) HasCommand() bool {
	return s.Command != nil && s.Command.Run != ""
}

func (s Step) priorityScore() float64 {
	if s.Priority == nil {
		return math.Inf(1)
	}
	return *s.Priority
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.WaitingForID != nil {
		out.WaitingForID = append([]string{}, s.WaitingForID...)
	} else {
		out.WaitingForID = []string{}
	}
	if s.Command != nil {
		cmd := *s.Command
		out.Command = &cmd
	}
	if s.Priority != nil {
		p := *s.Priority
		out.Priority = &p
	}
	if s.Observation != nil {
		obs := s.Observation.clone()
		out.Observation = &obs
	}
	return out
}

func (o Observation) clone() Observation {
	out := o
	if o.ExitCode != nil {
		code := *o.ExitCode
		out.ExitCode = &code
	}
	if o.Plan != nil {
		out.Plan = CloneSteps(o.Plan)
	}
	return out
}

// CloneSteps deep-copies a step list. A nil input stays nil.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}
