package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"go.uber.org/zap"
)

// Interpreters may not receive anything after their subcommand, otherwise an
// allowlisted "python -m" could run an arbitrary script.
var interpreters = map[string]bool{
	"python":  true,
	"python3": true,
	"pip":     true,
	"node":    true,
	"npm":     true,
}

// Signature keys session approvals.
type Signature struct {
	Shell string
	Run   string
	Cwd   string
}

func SignatureOf(cmd plan.Command) Signature {
	return Signature{Shell: cmd.Shell, Run: strings.TrimSpace(cmd.Run), Cwd: cmd.Cwd}
}

// SessionApprovals is the add-only set of commands a human approved for the
// rest of the run. It belongs to one agent instance.
type SessionApprovals struct {
	set map[Signature]struct{}
}

func NewSessionApprovals() *SessionApprovals {
	return &SessionApprovals{set: make(map[Signature]struct{})}
}

func (s *SessionApprovals) Add(sig Signature) { s.set[sig] = struct{}{} }

func (s *SessionApprovals) Has(sig Signature) bool {
	_, ok := s.set[sig]
	return ok
}

func (s *SessionApprovals) Len() int { return len(s.set) }

type Choice int

const (
	ChoiceReject Choice = iota
	ChoiceRunOnce
	ChoiceApproveSession
)

// Prompter asks a human whether a command may run.
type Prompter interface {
	Prompt(ctx context.Context, cmd plan.Command, why string) (Choice, error)
}

type Source string

const (
	SourceAllowlist    Source = "allowlist"
	SourceSession      Source = "session"
	SourceAutoApprove  Source = "auto_approve"
	SourceHumanOnce    Source = "human_once"
	SourceHumanSession Source = "human_session"
	SourceRejected     Source = "rejected"
)

// Decision is the outcome of one authorization.
type Decision struct {
	Approved     bool
	Source       Source
	Reason       string
	SessionEntry *Signature
}

// Gate decides whether a command may run.
type Gate struct {
	allowlist   *AllowlistStore
	session     *SessionApprovals
	policy      PolicyEngine
	prompter    Prompter
	autoApprove bool
	logger      *observability.Logger
}

func NewGate(allowlist *AllowlistStore, session *SessionApprovals, prompter Prompter, logger *observability.Logger) *Gate {
	if allowlist == nil {
		allowlist = NewStaticAllowlist(nil)
	}
	if session == nil {
		session = NewSessionApprovals()
	}
	if logger == nil {
		logger = observability.NewNop()
	}
	return &Gate{
		allowlist: allowlist,
		session:   session,
		policy:    NewDefaultPolicyEngine(),
		prompter:  prompter,
		logger:    logger,
	}
}

func (g *Gate) SetPolicy(p PolicyEngine) { g.policy = p }

func (g *Gate) SetAutoApprove(v bool) { g.autoApprove = v }

// Preapproved runs the static checks: safety filter, shell option, allowlist,
// subcommands and argument policy. The reason explains a negative answer.
func (g *Gate) Preapproved(ctx context.Context, cmd plan.Command) (bool, string) {
	run := strings.TrimSpace(cmd.Run)
	if run == "" {
		return false, "empty command"
	}
	if err := CheckCommandSafety(run); err != nil {
		return false, err.Error()
	}
	if cmd.Shell != "" {
		switch strings.ToLower(cmd.Shell) {
		case "bash", "sh":
		default:
			return false, fmt.Sprintf("shell %q is not allowed", cmd.Shell)
		}
	}

	tokens, err := shlex.Split(run)
	if err != nil {
		return false, fmt.Sprintf("cannot tokenize command: %v", err)
	}
	if len(tokens) == 0 {
		return false, "empty command"
	}
	base := filepath.Base(tokens[0])
	entry, ok := g.allowlist.Get().Lookup(base)
	if !ok {
		return false, fmt.Sprintf("%q is not in the allowlist", base)
	}
	if ok, why := subcommandAllowed(entry, base, tokens[1:]); !ok {
		return false, why
	}

	if g.policy != nil {
		res, err := g.policy.Evaluate(ctx, Request{Executable: base, Args: tokens[1:], Command: run})
		if err != nil {
			return false, fmt.Sprintf("policy evaluation failed: %v", err)
		}
		if res.Effect == EffectDeny {
			return false, res.Reason
		}
	}
	return true, ""
}

func subcommandAllowed(entry AllowEntry, base string, args []string) (bool, string) {
	if len(entry.Subcommands) == 0 {
		return true, ""
	}
	idx := -1
	for i, tok := range args {
		if !strings.HasPrefix(tok, "-") {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Sprintf("%q requires one of the subcommands %v", base, entry.Subcommands)
	}
	sub := args[idx]
	allowed := false
	for _, s := range entry.Subcommands {
		if s == sub {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, fmt.Sprintf("subcommand %q of %q is not allowed", sub, base)
	}
	if interpreters[base] && idx < len(args)-1 {
		return false, fmt.Sprintf("%q %s does not accept further arguments", base, sub)
	}
	return true, ""
}

// Authorize returns whether cmd may run, prompting the human when neither the
// static checks, the session set nor auto-approve allow it. A rejection is a
// decision, not an error.
func (g *Gate) Authorize(ctx context.Context, cmd plan.Command) Decision {
	ok, why := g.Preapproved(ctx, cmd)
	if ok {
		return Decision{Approved: true, Source: SourceAllowlist}
	}
	sig := SignatureOf(cmd)
	if g.session.Has(sig) {
		return Decision{Approved: true, Source: SourceSession}
	}
	if g.autoApprove {
		return Decision{Approved: true, Source: SourceAutoApprove, Reason: why}
	}
	if g.prompter == nil {
		return Decision{Source: SourceRejected, Reason: "no human available to approve: " + why}
	}

	choice, err := g.prompter.Prompt(ctx, cmd, why)
	if err != nil {
		g.logger.Warn("approval prompt failed, rejecting command", zap.String("run", cmd.Run), zap.Error(err))
		return Decision{Source: SourceRejected, Reason: fmt.Sprintf("approval prompt failed: %v", err)}
	}
	switch choice {
	case ChoiceRunOnce:
		return Decision{Approved: true, Source: SourceHumanOnce}
	case ChoiceApproveSession:
		g.session.Add(sig)
		return Decision{Approved: true, Source: SourceHumanSession, SessionEntry: &sig}
	default:
		return Decision{Source: SourceRejected, Reason: "rejected by human"}
	}
}
