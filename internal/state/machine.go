package state

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a transition is outside the allowed
// graph. It signals a caller bug and is never retried.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrInvalidSubstate is returned when a substate does not belong to the
// current main state.
var ErrInvalidSubstate = errors.New("invalid substate for current state")

// Machine validates and applies lifecycle transitions for one job's Data.
type Machine struct {
	data *Data
}

// NewMachine wraps existing job data.
func NewMachine(data *Data) *Machine {
	return &Machine{data: data}
}

// Data exposes the underlying job state.
func (m *Machine) Data() *Data {
	return m.data
}

// CanTransition reports whether moving to the target state is allowed.
func (m *Machine) CanTransition(to State) bool {
	for _, next := range ValidTransitions[m.data.CurrentState] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies a validated state change, appending a history record
// with the duration spent in the previous state. Failed transitions do not
// mutate state.
func (m *Machine) Transition(to State, metadata map[string]any) error {
	if !m.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (valid: %v)",
			ErrInvalidTransition, m.data.CurrentState, to, ValidTransitions[m.data.CurrentState])
	}

	now := time.Now().UTC()
	since := m.data.CreatedAt
	if n := len(m.data.History); n > 0 {
		since = m.data.History[n-1].Timestamp
	}

	m.data.History = append(m.data.History, Transition{
		From:      m.data.CurrentState,
		To:        to,
		Timestamp: now,
		Duration:  now.Sub(since),
		Metadata:  metadata,
	})
	m.data.CurrentState = to
	m.data.CurrentSubstate = ""

	switch {
	case to == StateInitializing && m.data.StartedAt == nil:
		m.data.StartedAt = &now
	case IsTerminal(to):
		m.data.CompletedAt = &now
	case to == StatePaused:
		m.data.PausedAt = &now
	}

	return nil
}

// SetSubstate sets a substate belonging to the current main state.
func (m *Machine) SetSubstate(sub Substate) error {
	for _, valid := range Substates[m.data.CurrentState] {
		if valid == sub {
			m.data.CurrentSubstate = sub
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s (valid: %v)",
		ErrInvalidSubstate, sub, m.data.CurrentState, Substates[m.data.CurrentState])
}

// NextSubstates returns the valid substates for the current state.
func (m *Machine) NextSubstates() []Substate {
	return Substates[m.data.CurrentState]
}

// IsTerminal reports whether the job has reached a terminal state.
func (m *Machine) IsTerminal() bool {
	return IsTerminal(m.data.CurrentState)
}

// CanPause is true only while an active phase is running.
func (m *Machine) CanPause() bool {
	return IsActivePhase(m.data.CurrentState)
}

// CanResume is true only while paused.
func (m *Machine) CanResume() bool {
	return m.data.CurrentState == StatePaused
}

// Summary is the job status read model consumed verbatim by the API layer.
func (m *Machine) Summary() map[string]any {
	d := m.data
	summary := map[string]any{
		"crawl_id":         d.CrawlID,
		"current_state":    d.CurrentState,
		"current_substate": d.CurrentSubstate,
		"duration_seconds": d.Duration().Seconds(),
		"overall_progress": d.OverallProgress(),
		"is_terminal":      m.IsTerminal(),
		"can_pause":        m.CanPause(),
		"can_resume":       m.CanResume(),
		"metrics":          d.Metrics,
		"error_count":      d.ErrorCount,
		"created_at":       d.CreatedAt,
	}
	if d.StartedAt != nil {
		summary["started_at"] = *d.StartedAt
	}
	if d.CompletedAt != nil {
		summary["completed_at"] = *d.CompletedAt
	}
	return summary
}

// Detail is the full state read model including transition history.
func (m *Machine) Detail() map[string]any {
	d := m.data
	history := make([]map[string]any, 0, len(d.History))
	for _, t := range d.History {
		history = append(history, map[string]any{
			"from_state":       t.From,
			"to_state":         t.To,
			"timestamp":        t.Timestamp,
			"duration_seconds": t.Duration.Seconds(),
		})
	}
	return map[string]any{
		"crawl_id":         d.CrawlID,
		"current_state":    d.CurrentState,
		"current_substate": d.CurrentSubstate,
		"progress":         d.ProgressSnapshot(),
		"metrics":          d.Metrics,
		"can_pause":        m.CanPause(),
		"can_resume":       m.CanResume(),
		"is_terminal":      m.IsTerminal(),
		"state_history":    history,
	}
}
