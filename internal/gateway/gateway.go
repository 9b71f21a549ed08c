package gateway

import "github.com/rahul/stepwise/internal/observability"

// Messenger is the boundary between the agent and whoever talks to it.
type Messenger interface {
	// ReadLine prints prompt and returns one line of user input.
	ReadLine(prompt string) (string, error)
	// Send delivers an assistant message for a session.
	Send(sessionID string, text string) error
	// Status renders an orchestrator status event.
	Status(evt observability.StatusEvent)
}
