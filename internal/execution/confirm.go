package execution

import (
	"context"
	"sort"
	"sync"
)

// Confirmer decides whether a confirmation-requiring step may run. The
// engine suspends in awaiting_confirmation until Confirm returns.
type Confirmer interface {
	Confirm(ctx context.Context, step Step) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, step Step) (bool, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, step Step) (bool, error) { return f(ctx, step) }

// Mailbox is a Confirmer driven by explicit messages: Confirm parks the
// request until Resolve delivers a decision for that step ID.
type Mailbox struct {
	mu      sync.Mutex
	pending map[string]pendingConfirmation
}

type pendingConfirmation struct {
	step     Step
	decision chan bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{pending: make(map[string]pendingConfirmation)}
}

func (m *Mailbox) Confirm(ctx context.Context, step Step) (bool, error) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.pending[step.ID] = pendingConfirmation{step: step, decision: ch}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, step.ID)
		m.mu.Unlock()
	}()

	select {
	case ok := <-ch:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers the pending confirmation for stepID.
func (m *Mailbox) Resolve(stepID string, approved bool) error {
	m.mu.Lock()
	p, ok := m.pending[stepID]
	if ok {
		delete(m.pending, stepID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoPendingConfirmation
	}
	p.decision <- approved
	return nil
}

// Pending lists steps waiting for a decision, by step number.
func (m *Mailbox) Pending() []Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Step, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
