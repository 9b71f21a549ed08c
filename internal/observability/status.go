package observability

import (
	"sync"
	"time"
)

// Phase is where an agent instance currently is within a pass.
type Phase string

const (
	PhaseAwaitingResponse Phase = "awaiting-response"
	PhaseParsed           Phase = "parsed"
	PhaseValidated        Phase = "validated"
	PhasePlanMerged       Phase = "plan-merged"
	PhaseExecuting        Phase = "executing"
	PhaseIdle             Phase = "idle"
	PhaseAwaitingHuman    Phase = "awaiting-human"
)

// Status tracks the phase of one agent instance. Readers such as a heartbeat
// goroutine may query it concurrently.
type Status struct {
	mu            sync.RWMutex
	phase         Phase
	activeStep    string
	lastHeartbeat time.Time
}

func NewStatus() *Status {
	return &Status{phase: PhaseIdle, lastHeartbeat: time.Now()}
}

// Set updates the current phase and the step being worked on.
func (s *Status) Set(phase Phase, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.activeStep = step
}

// Get retrieves a copy of the current status.
func (s *Status) Get() (Phase, string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase, s.activeStep, s.lastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func (s *Status) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// StatusEvent is surfaced to whoever renders the session.
type StatusEvent struct {
	Level      Level  `json:"level"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	NeedsHuman bool   `json:"needs_human,omitempty"`
}
