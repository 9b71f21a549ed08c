package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rahul/stepwise/internal/governance"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/store"
	"github.com/rahul/stepwise/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// scriptedModel replies with the queued texts in order.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	calls   int
	seen    [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seen = append(m.seen, append([]llms.MessageContent(nil), messages...))
	reply := `{"message": "out of script"}`
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// lastInput returns the final human message of the most recent call.
func (m *scriptedModel) lastInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.seen[len(m.seen)-1]
	return msgs[len(msgs)-1].Parts[0].(llms.TextContent).Text
}

type recordingMessenger struct {
	mu     sync.Mutex
	sent   []string
	events []observability.StatusEvent
}

func (r *recordingMessenger) Send(sessionID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingMessenger) Status(evt observability.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

type harness struct {
	orch      *Orchestrator
	model     *scriptedModel
	messenger *recordingMessenger
	store     *store.HistoryStore
	gate      *governance.Gate
}

func newHarness(t *testing.T, db *store.HistoryStore, replies ...string) *harness {
	t.Helper()
	if db == nil {
		var err error
		db, err = store.NewHistoryStore(filepath.Join(t.TempDir(), "stepwise.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
	}
	allow := governance.NewStaticAllowlist(&governance.Allowlist{Entries: []governance.AllowEntry{
		{Name: "echo"},
		{Name: "sleep"},
		{Name: "false"},
	}})
	gate := governance.NewGate(allow, nil, nil, nil)

	exec := tools.NewExecutor(nil)
	exec.TempRoot = t.TempDir()
	exec.KillGrace = 200 * time.Millisecond
	model := &scriptedModel{replies: replies}
	messenger := &recordingMessenger{}

	orch, err := NewOrchestrator(Deps{
		Model:     model,
		Gate:      gate,
		Tools:     tools.NewRegistry(exec, nil),
		History:   db,
		Snapshots: db,
		Messenger: messenger,
	}, Options{SessionID: "s1", MaxPasses: 10})
	require.NoError(t, err)
	return &harness{orch: orch, model: model, messenger: messenger, store: db, gate: gate}
}

func decodeObservation(t *testing.T, text string) plan.Observation {
	t.Helper()
	var obs plan.Observation
	require.NoError(t, json.Unmarshal([]byte(text), &obs), text)
	return obs
}

func TestRun_ExecutesPlanUntilDone(t *testing.T) {
	h := newHarness(t, nil,
		`{"message": "saying hi", "plan": [{"id": "t1", "title": "greet", "status": "pending", "command": {"run": "echo hi"}}]}`,
		"```json\n{\"message\": \"all done\", \"done\": true, \"plan\": [{\"id\": \"t1\", \"title\": \"greet\", \"status\": \"completed\"}]}\n```",
	)

	outcome, err := h.orch.Run(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 2, h.model.calls)
	assert.Equal(t, []string{"saying hi", "all done"}, h.messenger.sent)

	obs := decodeObservation(t, h.model.lastInput())
	assert.Equal(t, "hi\n", obs.Stdout)
	require.NotNil(t, obs.ExitCode)
	assert.Equal(t, 0, *obs.ExitCode)
	require.Len(t, obs.Plan, 1)
	assert.Equal(t, plan.StatusCompleted, obs.Plan[0].Status)

	assert.Equal(t, 0, h.orch.Plan.Len())
	assert.False(t, h.orch.Plan.Mutated())

	history, err := h.store.GetHistory("s1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestRunPass_CompletedStepIsNotRerun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.orch.RunPass(ctx, `{"message": "m", "plan": [
		{"id": "t1", "title": "greet", "status": "pending", "command": {"run": "echo hi"}},
		{"id": "t2", "title": "report", "status": "pending", "waitingForId": ["t1"]}]}`)
	assert.Equal(t, "t1", first.StepID)

	again := h.orch.RunPass(ctx, `{"message": "m", "plan": [
		{"id": "t1", "title": "greet", "status": "pending", "command": {"run": "echo hi"}},
		{"id": "t2", "title": "report", "status": "pending", "waitingForId": ["t1"]}]}`)
	assert.Empty(t, again.StepID)
	step, ok := h.orch.Plan.Step("t2")
	require.True(t, ok)
	assert.Empty(t, step.WaitingForID)
}

func TestRunPass_RemindersThenHuman(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 1; i <= DefaultReminderLimit; i++ {
		res := h.orch.RunPass(ctx, "no json here")
		require.Equal(t, OutcomeContinue, res.Outcome, "reminder %d", i)
		obs := decodeObservation(t, res.Next)
		assert.True(t, obs.JSONParseError)
		assert.Contains(t, obs.Details, "balanced_slice")
	}

	res := h.orch.RunPass(ctx, "still no json")
	assert.Equal(t, OutcomeAwaitHuman, res.Outcome)
	last := h.messenger.events[len(h.messenger.events)-1]
	assert.True(t, last.NeedsHuman)
	assert.Equal(t, observability.LevelError, last.Level)

	// A valid reply resets the counter.
	res = h.orch.RunPass(ctx, `{"message": "ok", "plan": []}`)
	assert.Equal(t, OutcomeAwaitHuman, res.Outcome)
	res = h.orch.RunPass(ctx, `{"message": 1}`)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.True(t, decodeObservation(t, res.Next).SchemaValidationError)
}

func TestRunPass_SemanticValidationError(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "done!", "done": true, "plan": [{"id": "a", "title": "t", "status": "pending"}]}`)
	require.Equal(t, OutcomeContinue, res.Outcome)
	obs := decodeObservation(t, res.Next)
	assert.True(t, obs.ResponseValidationError)
	assert.Contains(t, obs.Summary, "still open")
}

func TestRunPass_RefusalAutoContinues(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "I'm sorry, but I can't help with that request."}`)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, AutoContinue, res.Next)
}

func TestRunPass_IdleNudgeOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	reply := `{"message": "thinking", "plan": [{"id": "notes", "title": "write summary", "status": "pending"}]}`

	res := h.orch.RunPass(ctx, reply)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, IdleNudge, res.Next)

	res = h.orch.RunPass(ctx, reply)
	assert.Equal(t, OutcomeAwaitHuman, res.Outcome)
	phase, _, _ := h.orch.status.Get()
	assert.Equal(t, observability.PhaseAwaitingHuman, phase)
}

func TestRunPass_EmptyPlanAwaitsHuman(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "hello there"}`)
	assert.Equal(t, OutcomeAwaitHuman, res.Outcome)
	assert.Equal(t, "hello there", res.Message)
}

func TestRunPass_RejectedCommand(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "m", "plan": [{"id": "x", "title": "t", "status": "pending", "command": {"run": "rm -rf build"}}]}`)
	require.Equal(t, OutcomeContinue, res.Outcome)

	obs := decodeObservation(t, res.Next)
	assert.True(t, obs.CanceledByHuman)
	assert.Contains(t, obs.Details, "not in the allowlist")
	step, ok := h.orch.Plan.Step("x")
	require.True(t, ok)
	assert.Equal(t, plan.StatusPending, step.Status)
	assert.True(t, step.Observation.CanceledByHuman)
}

func TestRunPass_FailedCommandReleasesDependents(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "m", "plan": [
		{"id": "a", "title": "t", "status": "pending", "command": {"run": "false"}},
		{"id": "b", "title": "u", "status": "pending", "waitingForId": ["a"], "command": {"run": "echo after"}}]}`)
	require.Equal(t, "a", res.StepID)

	obs := decodeObservation(t, res.Next)
	require.NotNil(t, obs.ExitCode)
	assert.Equal(t, 1, *obs.ExitCode)

	a, _ := h.orch.Plan.Step("a")
	assert.Equal(t, plan.StatusFailed, a.Status)
	next, ok := h.orch.Plan.SelectNextExecutable()
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)
}

func TestRunPass_RestoresPersistedPlan(t *testing.T) {
	db, err := store.NewHistoryStore(filepath.Join(t.TempDir(), "stepwise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	run := "echo resumed"
	cmd := plan.CommandDraft{Run: &run}.Normalize()
	require.NoError(t, db.SavePlanSnapshot("s1", []plan.Step{
		{ID: "r1", Title: "resume", Status: plan.StatusPending, Command: &cmd},
	}))

	h := newHarness(t, db)
	res := h.orch.RunPass(context.Background(), `{"message": "where was I?"}`)
	require.Equal(t, OutcomeContinue, res.Outcome)
	obs := decodeObservation(t, res.Next)
	assert.Contains(t, obs.Summary, "restored")
	require.Len(t, obs.Plan, 1)
	assert.Equal(t, "r1", obs.Plan[0].ID)
}

func TestRunPass_BlockedWorkContinues(t *testing.T) {
	h := newHarness(t, nil)
	res := h.orch.RunPass(context.Background(), `{"message": "m", "plan": [
		{"id": "gate", "title": "decide", "status": "pending"},
		{"id": "b", "title": "u", "status": "pending", "waitingForId": ["gate"], "command": {"run": "echo later"}}]}`)
	require.Equal(t, OutcomeContinue, res.Outcome)
	obs := decodeObservation(t, res.Next)
	assert.Contains(t, obs.Summary, "b<-[gate]")

	snap, ok, err := h.store.LatestPlanSnapshot("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap.Steps, 2)
}

func TestCancelActiveCommand(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.orch.CancelActiveCommand())

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if h.orch.CancelActiveCommand() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	start := time.Now()
	res := h.orch.RunPass(context.Background(), `{"message": "m", "plan": [{"id": "s", "title": "wait", "status": "pending", "command": {"run": "sleep 30"}}]}`)
	assert.Less(t, time.Since(start), 10*time.Second)

	obs := decodeObservation(t, res.Next)
	assert.True(t, obs.OperationCanceled)
	step, ok := h.orch.Plan.Step("s")
	require.True(t, ok)
	assert.Equal(t, plan.StatusFailed, step.Status)
}

func TestRun_StopsAtMaxPasses(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.opts.MaxPasses = 2
	h.model.replies = []string{
		`{"message": "I'm sorry, I cannot assist."}`,
		`{"message": "I'm sorry, I cannot assist."}`,
		`{"message": "I'm sorry, I cannot assist."}`,
	}

	outcome, err := h.orch.Run(context.Background(), "do it")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAwaitHuman, outcome)
	assert.Equal(t, 2, h.model.calls)
	assert.Equal(t, AutoContinue, h.model.lastInput())
	last := h.messenger.events[len(h.messenger.events)-1]
	assert.True(t, last.NeedsHuman)
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(Deps{}, Options{})
	assert.Error(t, err)
}
