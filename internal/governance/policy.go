package governance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a command whose arguments are checked by a policy.
type Request struct {
	Executable string
	Args       []string
	Command    string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine applies per-tool argument rules after the allowlist matched.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies whole executables or argument patterns.
type DefaultPolicyEngine struct {
	DeniedExecutables map[string]bool
	DeniedRegex       []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedExecutables: make(map[string]bool),
		DeniedRegex:       make([]*regexp.Regexp, 0),
	}
}

func (e *DefaultPolicyEngine) DenyExecutable(name string) {
	e.DeniedExecutables[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedExecutables[req.Executable] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("executable '%s' is restricted by policy", req.Executable),
		}, nil
	}

	args := strings.Join(req.Args, " ")
	for _, re := range e.DeniedRegex {
		if re.MatchString(args) || re.MatchString(req.Command) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "allowed by default policy",
	}, nil
}
