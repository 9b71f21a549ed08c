package plan

// SelectNextExecutable picks the step to run next: non-terminal, with a
// command, and no open dependencies. Lower priority wins; ties go to the
// earlier step. Steps without a priority rank after every explicit one.
func (m *Machine) SelectNextExecutable() (Step, bool) {
	m.NormalizeDependencies()

	best := -1
	for i, s := range m.active {
		if s.Status.Terminal() || !s.HasCommand() || len(s.WaitingForID) > 0 {
			continue
		}
		if best < 0 || s.priorityScore() < m.active[best].priorityScore() {
			best = i
		}
	}
	if best < 0 {
		return Step{}, false
	}
	return m.active[best].Clone(), true
}

// HasPendingExecutableWork separates a plan with runnable work from one that
// only holds open bookkeeping steps. The open step and the command must be
// the same step; an open note next to a finished command step does not count.
func (m *Machine) HasPendingExecutableWork() bool {
	if len(m.active) == 0 {
		return false
	}
	for _, s := range m.active {
		if !s.Status.Terminal() && s.HasCommand() {
			return true
		}
	}
	return false
}

// Blocked returns the open steps that still wait on other steps.
func (m *Machine) Blocked() []Step {
	var out []Step
	for _, s := range m.active {
		if !s.Status.Terminal() && len(s.WaitingForID) > 0 {
			out = append(out, s.Clone())
		}
	}
	return out
}
