package alert

import (
	"fmt"
	"sync"
	"time"
)

// Ledger stores a session's alerts. The session goroutine writes; API
// handlers read concurrently, and the ledger stays readable after the session
// ends. Callers always receive copies.
type Ledger struct {
	mu    sync.RWMutex
	byID  map[string]*Alert
	order []string
}

func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*Alert)}
}

func (l *Ledger) put(a *Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[a.ID] = a
	l.order = append(l.order, a.ID)
}

// Get returns a copy of the alert.
func (l *Ledger) Get(id string) (*Alert, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	return a.clone(), nil
}

// List returns copies of all alerts in creation order.
func (l *Ledger) List() []*Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Alert, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id].clone())
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// update mutates an alert under the write lock and returns a copy.
func (l *Ledger) update(id string, fn func(a *Alert)) (*Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	fn(a)
	return a.clone(), nil
}

// Apply runs one state-machine step atomically. An illegal action leaves the
// alert untouched and returns ErrInvalidTransition.
func (l *Ledger) Apply(id string, action Action, actor, notes string, at time.Time) (*Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	next, err := Next(a.State, action)
	if err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	a.History = append(a.History, Transition{
		From:   a.State,
		To:     next,
		Action: action,
		Actor:  actor,
		Notes:  notes,
		At:     at,
	})
	a.State = next
	switch next {
	case StateAcknowledged:
		a.AcknowledgedAt = &at
	case StateEscalated:
		a.EscalatedAt = &at
	case StateResolved, StateFalsePositive:
		a.ResolvedAt = &at
		a.Deferred = false
	}
	if notes != "" {
		a.Notes = append(a.Notes, notes)
	}
	return a.clone(), nil
}
