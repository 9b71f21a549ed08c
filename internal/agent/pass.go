package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/plan"
	"github.com/rahul/stepwise/internal/response"
	"github.com/rahul/stepwise/internal/tools"
	"go.uber.org/zap"
)

// Outcome tells the run loop what to do after a pass.
type Outcome int

const (
	// OutcomeContinue sends Next back to the model.
	OutcomeContinue Outcome = iota
	// OutcomeAwaitHuman stops until the human writes again.
	OutcomeAwaitHuman
	// OutcomeDone means the model finished the task.
	OutcomeDone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeAwaitHuman:
		return "await-human"
	case OutcomeDone:
		return "done"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// PassResult is the result of one pass.
type PassResult struct {
	Outcome Outcome
	// Next is the user-role message for the next model call.
	Next string
	// Message is the assistant text to show the human.
	Message string
	// StepID is the step whose command ran, if any.
	StepID string
}

// RunPass handles one raw model reply: recover, validate, merge the plan, and
// run at most one command.
func (o *Orchestrator) RunPass(ctx context.Context, raw string) PassResult {
	parsed := response.Recover(raw)
	o.status.Set(observability.PhaseParsed, "")
	if !parsed.OK() {
		o.logger.Log(observability.Event{
			Type:      observability.EventTypeParse,
			SessionID: o.opts.SessionID,
			Data:      map[string]any{"ok": false, "attempts": parsed.Attempts},
		})
		details, _ := json.Marshal(parsed.Attempts)
		return o.remind(plan.Observation{
			JSONParseError: true,
			Summary:        "the reply was not valid JSON; answer with a single JSON object",
			Details:        string(details),
		}, observability.StatusEvent{
			Level:   observability.LevelWarn,
			Message: "could not parse the model reply",
			Details: parsed.Attempts,
		})
	}
	o.logger.Log(observability.Event{
		Type:      observability.EventTypeParse,
		SessionID: o.opts.SessionID,
		Data:      map[string]any{"ok": true, "strategy": parsed.Strategy},
	})

	resp, verr := o.validator.Validate(parsed.Value)
	if verr != nil {
		o.logger.Log(observability.Event{
			Type:      observability.EventTypeValidation,
			SessionID: o.opts.SessionID,
			Data:      map[string]any{"kind": verr.Kind, "error": verr.Error()},
		})
		obs := plan.Observation{Summary: verr.Error(), Details: verr.Details()}
		if verr.Kind == response.KindSchema {
			obs.SchemaValidationError = true
		} else {
			obs.ResponseValidationError = true
		}
		return o.remind(obs, observability.StatusEvent{
			Level:   observability.LevelWarn,
			Message: "the model reply failed validation",
			Details: verr.Error(),
		})
	}
	o.reminders = 0
	o.status.Set(observability.PhaseValidated, "")

	o.mergePlan(resp.Steps())
	o.status.Set(observability.PhasePlanMerged, "")
	result := PassResult{Message: resp.Message}

	if resp.Done {
		o.Plan.PruneCompletedSteps()
		o.finalizeSnapshot()
		o.status.Set(observability.PhaseIdle, "")
		result.Outcome = OutcomeDone
		return result
	}

	if step, ok := o.Plan.SelectNextExecutable(); ok {
		o.idleNudges = 0
		result.StepID = step.ID
		result.Outcome = OutcomeContinue
		result.Next = o.executeStep(ctx, step)
		return result
	}

	switch {
	case IsRefusal(resp.Message):
		o.logger.Info("refusal-shaped reply, auto-continuing", zap.String("session_id", o.opts.SessionID))
		result.Outcome = OutcomeContinue
		result.Next = AutoContinue
		return result

	case o.Plan.HasPendingExecutableWork():
		o.finalizeSnapshot()
		result.Outcome = OutcomeContinue
		result.Next = encodeObservation(plan.Observation{
			Plan:    o.Plan.CloneActivePlan(),
			Summary: blockedSummary(o.Plan.Blocked()),
		})
		return result

	case o.Plan.Len() == 0 && o.RestorePlan():
		o.finalizeSnapshot()
		result.Outcome = OutcomeContinue
		result.Next = encodeObservation(plan.Observation{
			Plan:    o.Plan.CloneActivePlan(),
			Summary: "restored the previously persisted plan; continue with it",
		})
		return result
	}

	o.finalizeSnapshot()
	o.status.Set(observability.PhaseIdle, "")
	if o.hasOpenSteps() && o.idleNudges < 1 {
		o.idleNudges++
		result.Outcome = OutcomeContinue
		result.Next = IdleNudge
		return result
	}
	o.status.Set(observability.PhaseAwaitingHuman, "")
	result.Outcome = OutcomeAwaitHuman
	return result
}

// remind sends a corrective observation back to the model until the limit
// is reached, then hands over to the human.
func (o *Orchestrator) remind(obs plan.Observation, evt observability.StatusEvent) PassResult {
	if o.reminders >= o.opts.ReminderLimit {
		evt.Level = observability.LevelError
		evt.Message = fmt.Sprintf("%s after %d reminders; waiting for human input", evt.Message, o.reminders)
		evt.NeedsHuman = true
		o.emit(evt)
		o.status.Set(observability.PhaseAwaitingHuman, "")
		return PassResult{Outcome: OutcomeAwaitHuman}
	}
	o.reminders++
	o.emit(evt)
	return PassResult{Outcome: OutcomeContinue, Next: encodeObservation(obs)}
}

func (o *Orchestrator) mergePlan(steps []plan.Step) {
	if steps == nil {
		return
	}
	o.Plan.SetInitialIncomingPlan(steps)
	o.Plan.MergeIncoming(steps)
	// Steps completed earlier in this run stay completed even when the model
	// sends them again with an older status.
	for _, s := range steps {
		if _, done := o.completed[s.ID]; done {
			_ = o.Plan.CompletePlanStep(s.ID)
		}
	}
	o.logger.Log(observability.Event{
		Type:      observability.EventTypePlan,
		SessionID: o.opts.SessionID,
		Data:      map[string]any{"incoming": len(steps), "active": o.Plan.Len()},
	})
}

// executeStep authorizes and runs the command of step and returns the
// observation for the model.
func (o *Orchestrator) executeStep(ctx context.Context, step plan.Step) string {
	cmd := *step.Command
	o.status.Set(observability.PhaseExecuting, step.ID)

	decision := o.gate.Authorize(ctx, cmd)
	o.logger.LogPolicyCheck(o.opts.SessionID, step.ID, cmd.Run, string(decision.Source), decision.Approved)
	if !decision.Approved {
		obs := plan.Observation{
			CanceledByHuman: true,
			Summary:         fmt.Sprintf("command %q was not approved", cmd.Run),
			Details:         decision.Reason,
		}
		o.applyObservation(step.ID, obs, plan.StatusPending)
		obs.Plan = o.Plan.CloneActivePlan()
		o.finalizeSnapshot()
		return encodeObservation(obs)
	}

	if err := o.Plan.MarkCommandRunning(step.ID); err != nil {
		o.logger.Error("selected step vanished from the plan", zap.String("step_id", step.ID), zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.setActive(cancel)
	kind, res := o.tools.Dispatch(runCtx, tools.SetupFromCommand(cmd))
	o.setActive(nil)
	cancel()

	o.logger.LogCommand(o.opts.SessionID, step.ID, cmd.Run, res.ExitCode, res.Killed, res.TimedOut, res.Canceled, res.Duration)
	o.logger.Debug("command dispatched", zap.String("handler", string(kind)), zap.String("step_id", step.ID))

	next := plan.StatusFailed
	if res.Succeeded() {
		next = plan.StatusCompleted
		o.completed[step.ID] = struct{}{}
	}
	obs := *res.Observation()
	o.applyObservation(step.ID, obs, next)
	if decision.SessionEntry != nil {
		o.emit(observability.StatusEvent{
			Level:   observability.LevelInfo,
			Message: fmt.Sprintf("approved %q for the rest of this session", cmd.Run),
		})
	}

	obs.Plan = o.Plan.CloneActivePlan()
	o.Plan.PruneCompletedSteps()
	o.finalizeSnapshot()
	return encodeObservation(obs)
}

func (o *Orchestrator) applyObservation(id string, obs plan.Observation, next plan.Status) {
	if err := o.Plan.ApplyCommandObservation(id, obs, next); err != nil {
		o.logger.Error("failed to record observation", zap.String("step_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) hasOpenSteps() bool {
	for _, s := range o.Plan.CloneActivePlan() {
		if !s.Status.Terminal() {
			return true
		}
	}
	return false
}

func blockedSummary(blocked []plan.Step) string {
	if len(blocked) == 0 {
		return "plan has open command steps but none can run yet"
	}
	msg := "no step can run; waiting on dependencies:"
	for _, s := range blocked {
		msg += fmt.Sprintf(" %s<-%v", s.ID, s.WaitingForID)
	}
	return msg
}
