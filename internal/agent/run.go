package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rahul/stepwise/internal/observability"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
)

// Run handles one human turn: it calls the model and runs passes until the
// model is done, a human is needed, or MaxPasses is reached.
func (o *Orchestrator) Run(ctx context.Context, input string) (Outcome, error) {
	if err := o.prime(); err != nil {
		return OutcomeAwaitHuman, err
	}

	next := input
	for pass := 1; pass <= o.opts.MaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return OutcomeAwaitHuman, err
		}
		o.status.Set(observability.PhaseAwaitingResponse, "")
		o.status.Heartbeat()
		o.logger.Log(observability.Event{
			Type:      observability.EventTypePass,
			SessionID: o.opts.SessionID,
			Data:      map[string]any{"pass": pass},
		})

		raw, err := o.complete(ctx, next)
		if err != nil {
			return OutcomeAwaitHuman, err
		}

		res := o.RunPass(ctx, raw)
		o.send(res.Message)
		if res.Outcome != OutcomeContinue {
			return res.Outcome, nil
		}
		next = res.Next
	}

	o.emit(observability.StatusEvent{
		Level:      observability.LevelWarn,
		Message:    fmt.Sprintf("stopped after %d passes without finishing", o.opts.MaxPasses),
		NeedsHuman: true,
	})
	o.status.Set(observability.PhaseAwaitingHuman, "")
	return OutcomeAwaitHuman, nil
}

// prime loads the system prompt and recent history on the first turn.
func (o *Orchestrator) prime() error {
	if len(o.messages) > 0 {
		return nil
	}
	systemPrompt, err := o.prompts.SystemPrompt()
	if err != nil {
		return fmt.Errorf("load system prompt: %w", err)
	}
	o.messages = append(o.messages, llms.MessageContent{
		Role:  schema.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
	})
	if o.history != nil {
		past, err := o.history.GetHistory(o.opts.SessionID, o.opts.HistoryLimit)
		if err != nil {
			o.logger.Warn("failed to load history", zap.Error(err))
		} else {
			o.messages = append(o.messages, past...)
		}
	}
	if o.RestorePlan() {
		o.logger.Info("resumed persisted plan", zap.String("session_id", o.opts.SessionID), zap.Int("steps", o.Plan.Len()))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, input string) (string, error) {
	o.record(schema.ChatMessageTypeHuman, input)

	resp, err := o.model.GenerateContent(ctx, o.messages, llms.WithJSONMode())
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	raw := resp.Choices[0].Content
	o.logger.LogLLM(o.opts.SessionID, input, raw)
	o.record(schema.ChatMessageTypeAI, raw)
	return raw, nil
}
