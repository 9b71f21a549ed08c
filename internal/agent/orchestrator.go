package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/response"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

const (
	DefaultReminderLimit = 3
	DefaultMaxPasses     = 50
	DefaultHistoryLimit  = 40

	// AutoContinue answers a refusal-shaped reply.
	AutoContinue = "continue"
	// IdleNudge asks the model to resume or close out an idle plan.
	IdleNudge = "continue or say 'done'"
)

type HistoryStore interface {
	AddMessage(sessionID string, role schema.ChatMessageType, content string) error
	GetHistory(sessionID string, limit int) ([]llms.MessageContent, error)
}

type SnapshotStore interface {
	SavePlanSnapshot(sessionID string, steps []plan.Step) error
	LatestPlanSnapshot(sessionID string) (store.Snapshot, bool, error)
}

// Messenger delivers assistant messages and status events to the human.
type Messenger interface {
	Send(sessionID string, text string) error
	Status(evt observability.StatusEvent)
}

// Deps wires an Orchestrator. Model, Gate and Tools are required.
type Deps struct {
	Model     llms.Model
	Gate      *governance.Gate
	Tools     *tools.Registry
	History   HistoryStore
	Snapshots SnapshotStore
	Prompts   *PromptManager
	Messenger Messenger
	Logger    *observability.Logger
	Status    *observability.Status
}

type Options struct {
	SessionID     string
	MaxPasses     int
	ReminderLimit int
	HistoryLimit  int
}

// Orchestrator sequences parse, validate, merge, select, authorize and
// execute once per model round trip. All per-run state lives here so several
// instances can share a process.
type Orchestrator struct {
	model     llms.Model
	gate      *governance.Gate
	tools     *tools.Registry
	history   HistoryStore
	snapshots SnapshotStore
	prompts   *PromptManager
	messenger Messenger
	logger    *observability.Logger
	status    *observability.Status
	validator *response.Validator

	Plan *plan.Machine
	opts Options

	messages   []llms.MessageContent
	completed  map[string]struct{}
	reminders  int
	idleNudges int

	mu           sync.Mutex
	cancelActive context.CancelFunc
}

func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Model == nil || deps.Gate == nil || deps.Tools == nil {
		return nil, fmt.Errorf("orchestrator needs a model, an approval gate and a tool registry")
	}
	validator, err := response.NewValidator()
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNop()
	}
	if deps.Status == nil {
		deps.Status = observability.NewStatus()
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptManager("", deps.Logger)
	}
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = DefaultMaxPasses
	}
	if opts.ReminderLimit <= 0 {
		opts.ReminderLimit = DefaultReminderLimit
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	return &Orchestrator{
		model:     deps.Model,
		gate:      deps.Gate,
		tools:     deps.Tools,
		history:   deps.History,
		snapshots: deps.Snapshots,
		prompts:   deps.Prompts,
		messenger: deps.Messenger,
		logger:    deps.Logger,
		status:    deps.Status,
		validator: validator,
		Plan:      plan.NewMachine(),
		opts:      opts,
		completed: make(map[string]struct{}),
	}, nil
}

func (o *Orchestrator) SessionID() string { return o.opts.SessionID }

// CancelActiveCommand interrupts the command currently executing, if any.
func (o *Orchestrator) CancelActiveCommand() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelActive == nil {
		return false
	}
	o.cancelActive()
	return true
}

func (o *Orchestrator) setActive(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancelActive = cancel
	o.mu.Unlock()
}

// RestorePlan installs the latest persisted snapshot of the session when it
// still has runnable work. It reports whether a plan was restored.
func (o *Orchestrator) RestorePlan() bool {
	if o.snapshots == nil {
		return false
	}
	snap, ok, err := o.snapshots.LatestPlanSnapshot(o.opts.SessionID)
	if err != nil {
		o.logger.Warn("failed to load plan snapshot", zap.String("session_id", o.opts.SessionID), zap.Error(err))
		return false
	}
	if !ok || !snap.Open() {
		return false
	}

	probe := plan.NewMachine()
	probe.ReplaceActivePlan(snap.Steps)
	if !probe.HasPendingExecutableWork() {
		return false
	}
	o.Plan.ReplaceActivePlan(snap.Steps)
	o.logger.Log(observability.Event{
		Type:      observability.EventTypeSnapshot,
		SessionID: o.opts.SessionID,
		Data:      map[string]any{"restored": snap.ID, "steps": len(snap.Steps)},
	})
	return true
}

// finalizeSnapshot persists the plan when it changed. The mutation flag is
// only cleared after a successful save so a failed write is retried later.
func (o *Orchestrator) finalizeSnapshot() {
	if !o.Plan.Mutated() {
		return
	}
	if o.snapshots != nil {
		steps := o.Plan.CloneActivePlan()
		if err := o.snapshots.SavePlanSnapshot(o.opts.SessionID, steps); err != nil {
			o.logger.Warn("failed to persist plan snapshot", zap.String("session_id", o.opts.SessionID), zap.Error(err))
			return
		}
		o.logger.Log(observability.Event{
			Type:      observability.EventTypeSnapshot,
			SessionID: o.opts.SessionID,
			Data:      map[string]any{"steps": len(steps)},
		})
	}
	o.Plan.ResetMutationFlag()
}

func (o *Orchestrator) emit(evt observability.StatusEvent) {
	o.logger.Log(observability.Event{Type: observability.EventTypeStatus, SessionID: o.opts.SessionID, Data: evt})
	if o.messenger != nil {
		o.messenger.Status(evt)
	}
}

func (o *Orchestrator) send(text string) {
	if o.messenger == nil || text == "" {
		return
	}
	if err := o.messenger.Send(o.opts.SessionID, text); err != nil {
		o.logger.Warn("failed to deliver message", zap.Error(err))
	}
}

func (o *Orchestrator) record(role schema.ChatMessageType, content string) {
	o.messages = append(o.messages, llms.MessageContent{
		Role:  role,
		Parts: []llms.ContentPart{llms.TextPart(content)},
	})
	if o.history == nil {
		return
	}
	if err := o.history.AddMessage(o.opts.SessionID, role, content); err != nil {
		o.logger.Warn("failed to record message", zap.Error(err))
	}
}

func encodeObservation(obs plan.Observation) string {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Sprintf(`{"summary":%q}`, "observation could not be encoded: "+err.Error())
	}
	return string(data)
}
