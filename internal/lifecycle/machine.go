// Package lifecycle drives LIMS experiments through their job and storage
// states using the staging sniffer and the transfer engine.
package lifecycle

import "context"

// Handler reacts to one state. Handlers usually kick off a transition and
// return.
type Handler func(ctx context.Context) error

// Machine runs the handler of the current state once per state change and
// keeps going while handlers change the state. Steady states are polling
// states whose handler runs on every step.
type Machine[S comparable] struct {
	State    func(ctx context.Context) (S, error)
	Handlers map[S]Handler
	Steady   map[S]bool

	last    S
	started bool
}

// Step fetches the state and runs handlers until the state settles. A
// failing handler is retried on the next step.
func (m *Machine[S]) Step(ctx context.Context) error {
	ran := map[S]bool{}
	for {
		s, err := m.State(ctx)
		if err != nil {
			return err
		}
		if ran[s] || (m.started && s == m.last && !m.Steady[s]) {
			return nil
		}
		m.started, m.last = true, s
		ran[s] = true
		h, ok := m.Handlers[s]
		if !ok {
			return nil
		}
		if err := h(ctx); err != nil {
			m.started = false
			return err
		}
	}
}

// Current is the last state seen.
func (m *Machine[S]) Current() (S, bool) { return m.last, m.started }
