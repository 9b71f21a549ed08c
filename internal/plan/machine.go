package plan

// Machine owns the canonical plan of one agent instance. It is not safe for
// concurrent use; the orchestrator drives it from a single goroutine.
type Machine struct {
	active      []Step
	incoming    []Step
	hasIncoming bool
	mutated     bool
}

func NewMachine() *Machine {
	return &Machine{active: []Step{}}
}

// ReplaceActivePlan installs a copy of steps as the active plan and normalizes
// its dependencies.
func (m *Machine) ReplaceActivePlan(steps []Step) {
	m.active = CloneSteps(steps)
	if m.active == nil {
		m.active = []Step{}
	}
	for i := range m.active {
		if m.active[i].Status == "" {
			m.active[i].Status = StatusPending
		}
	}
	m.normalizeUntilStable()
	m.mutated = true
}

// MergeIncoming replaces the active plan with the model's plan, except that
// steps already terminal locally keep their status and observation.
func (m *Machine) MergeIncoming(steps []Step) {
	local := make(map[string]Step, len(m.active))
	for _, s := range m.active {
		local[s.ID] = s
	}
	merged := CloneSteps(steps)
	for i, s := range merged {
		prev, ok := local[s.ID]
		if !ok {
			continue
		}
		if prev.Status.Terminal() {
			merged[i].Status = prev.Status
			if prev.Observation != nil {
				obs := prev.Observation.clone()
				merged[i].Observation = &obs
			}
			continue
		}
		if s.Observation == nil && prev.Observation != nil {
			obs := prev.Observation.clone()
			merged[i].Observation = &obs
		}
	}
	m.ReplaceActivePlan(merged)
}

// SetInitialIncomingPlan records the last plan the model sent. nil clears it.
func (m *Machine) SetInitialIncomingPlan(steps []Step) {
	m.incoming = CloneSteps(steps)
	m.hasIncoming = steps != nil
}

// InitialIncomingPlan returns a copy of the last plan the model sent.
func (m *Machine) InitialIncomingPlan() ([]Step, bool) {
	return CloneSteps(m.incoming), m.hasIncoming
}

// NormalizeDependencies drops waitingForId entries that do not point at a
// present, non-terminal step and removes duplicates. It reports whether
// anything changed.
func (m *Machine) NormalizeDependencies() bool {
	changed := m.normalizeOnce()
	if changed {
		m.mutated = true
	}
	return changed
}

func (m *Machine) normalizeUntilStable() {
	for m.normalizeOnce() {
	}
}

func (m *Machine) normalizeOnce() bool {
	open := make(map[string]bool, len(m.active))
	for _, s := range m.active {
		open[s.ID] = !s.Status.Terminal()
	}
	changed := false
	for i := range m.active {
		deps := m.active[i].WaitingForID
		kept := make([]string, 0, len(deps))
		seen := make(map[string]struct{}, len(deps))
		for _, dep := range deps {
			if !open[dep] {
				continue
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			kept = append(kept, dep)
		}
		if len(kept) != len(deps) {
			changed = true
		}
		m.active[i].WaitingForID = kept
	}
	return changed
}

// PruneCompletedSteps removes completed steps from the active plan.
func (m *Machine) PruneCompletedSteps() {
	kept := m.active[:0:0]
	for _, s := range m.active {
		if s.Status == StatusCompleted {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == len(m.active) {
		return
	}
	m.active = kept
	m.normalizeUntilStable()
	m.mutated = true
}

// CompletePlanStep marks a step completed and releases every step waiting on it.
func (m *Machine) CompletePlanStep(id string) error {
	idx := m.index(id)
	if idx < 0 {
		return ErrUnknownStep
	}
	if m.active[idx].Status.Terminal() {
		return nil
	}
	m.active[idx].Status = StatusCompleted
	m.releaseDependents(id)
	m.mutated = true
	return nil
}

// AttachObservation stores the latest observation on a step.
func (m *Machine) AttachObservation(id string, obs Observation) error {
	idx := m.index(id)
	if idx < 0 {
		return ErrUnknownStep
	}
	o := obs.clone()
	m.active[idx].Observation = &o
	m.mutated = true
	return nil
}

// MarkCommandRunning moves a non-terminal step to running.
func (m *Machine) MarkCommandRunning(id string) error {
	idx := m.index(id)
	if idx < 0 {
		return ErrUnknownStep
	}
	if m.active[idx].Status.Terminal() || m.active[idx].Status == StatusRunning {
		return nil
	}
	m.active[idx].Status = StatusRunning
	m.mutated = true
	return nil
}

// ApplyCommandObservation attaches the observation and moves the step to next.
// Terminal steps keep their status.
func (m *Machine) ApplyCommandObservation(id string, obs Observation, next Status) error {
	if err := m.AttachObservation(id, obs); err != nil {
		return err
	}
	idx := m.index(id)
	if m.active[idx].Status.Terminal() {
		return nil
	}
	m.active[idx].Status = next
	if next.Terminal() {
		m.releaseDependents(id)
	}
	return nil
}

func (m *Machine) releaseDependents(id string) {
	for i := range m.active {
		deps := m.active[i].WaitingForID
		kept := deps[:0:0]
		for _, dep := range deps {
			if dep != id {
				kept = append(kept, dep)
			}
		}
		m.active[i].WaitingForID = kept
	}
	m.normalizeUntilStable()
}

// CloneActivePlan returns a deep copy of the active plan.
func (m *Machine) CloneActivePlan() []Step {
	out := CloneSteps(m.active)
	if out == nil {
		return []Step{}
	}
	return out
}

// Step returns a copy of the step with the given id.
func (m *Machine) Step(id string) (Step, bool) {
	idx := m.index(id)
	if idx < 0 {
		return Step{}, false
	}
	return m.active[idx].Clone(), true
}

func (m *Machine) Len() int { return len(m.active) }

// Mutated reports whether the plan changed since the last persisted snapshot.
func (m *Machine) Mutated() bool { return m.mutated }

// ResetMutationFlag is reserved for snapshot finalizers, after a successful save.
func (m *Machine) ResetMutationFlag() { m.mutated = false }

func (m *Machine) index(id string) int {
	for i := range m.active {
		if m.active[i].ID == id {
			return i
		}
	}
	return -1
}
