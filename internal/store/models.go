package store

import (
	"time"

	"github.com/rahul/stepwise/internal/plan"
)

// Snapshot is one persisted copy of the active plan.
type Snapshot struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Steps     []plan.Step `json:"steps"`
	CreatedAt time.Time   `json:"created_at"`
}

// Open reports whether the snapshot still holds steps that are not terminal.
func (s Snapshot) Open() bool {
	for _, step := range s.Steps {
		if !step.Status.Terminal() {
			return true
		}
	}
	return false
}
