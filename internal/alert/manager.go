package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hallwatch/internal/suppress"
)

// Dispatcher delivers alerts and admin advisories. Implementations must be
// idempotent per alert and tier and must not block on channel delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *Alert, tier classify.Tier) error
	Advise(ctx context.Context, adv Advisory) error
}

// Advisory is the one-time admin notice sent when a session's
// false-positive breaker trips. It has no tier and is never suppressed.
type Advisory struct {
	SessionID      string    `json:"session_id"`
	Institution    string    `json:"institution,omitempty"`
	FalsePositives int       `json:"false_positives"`
	Message        string    `json:"message"`
	At             time.Time `json:"at"`
}

// Options wires a Manager to its session.
type Options struct {
	SessionID     string
	Institution   string
	Ledger        *Ledger
	Directory     directory.Directory
	Dispatcher    Dispatcher
	Sink          audit.Sink
	Suppression   *suppress.Engine
	History       *classify.History
	Logger        *slog.Logger
	Clock         func() time.Time
	LookupTimeout time.Duration
}

// Manager runs the lifecycle for one session. It is driven by the session
// goroutine and is not safe for concurrent use; the Ledger it writes to is.
type Manager struct {
	Options
	log      *slog.Logger
	targets  map[string]detection.Target // open alerts
	deferred []string
}

func NewManager(o Options) *Manager {
	if o.Ledger == nil {
		o.Ledger = NewLedger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.LookupTimeout == 0 {
		o.LookupTimeout = 2 * time.Second
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		Options: o,
		log:     log.With("component", "alerts", "session", o.SessionID),
		targets: make(map[string]detection.Target),
	}
}

// Create materializes a pending alert for a classified target, consults
// suppression and hands it to the dispatcher. When nobody is assigned it
// returns the recorded alert together with ErrNoResponsibleParty and keeps
// retrying on RetryDeferred.
func (m *Manager) Create(ctx context.Context, t detection.Target, d classify.Decision) (*Alert, error) {
	if !t.Valid() {
		return nil, errors.New("alert target must reference exactly one event or group")
	}
	now := m.Clock()
	a := newAlert(uuid.NewString(), t, d, m.Institution, now)
	m.Ledger.put(a)
	m.targets[a.ID] = t
	metrics.AlertsCreated.WithLabelValues(string(d.Tier), d.RuleID).Inc()
	metrics.DetectionToAlert.Observe(now.Sub(a.TriggeredAt).Seconds())

	if v := m.Suppression.Check(t); v.Suppressed {
		a, _ = m.Ledger.update(a.ID, func(a *Alert) {
			a.Muted = true
			a.Notes = append(a.Notes, "muted: "+v.Reason)
		})
		metrics.AlertsSuppressed.Inc()
		m.record(ctx, audit.TypeAlertCreated, a.ID, a)
		m.log.Debug("alert muted", "alert", a.ID, "target", a.Target(), "until", v.Until)
		return a, nil
	}
	m.record(ctx, audit.TypeAlertCreated, a.ID, a.clone())
	return m.deliver(ctx, a.ID)
}

// deliver assigns the responsible invigilator and dispatches at the alert's tier.
func (m *Manager) deliver(ctx context.Context, id string) (*Alert, error) {
	resp, err := m.responsible(ctx)
	if err != nil {
		a, _ := m.Ledger.update(id, func(a *Alert) { a.Deferred = true })
		m.park(id)
		if errors.Is(err, directory.ErrNoAssignment) {
			return a, fmt.Errorf("alert %s: %w", id, ErrNoResponsibleParty)
		}
		return a, fmt.Errorf("alert %s: %w: %v", id, ErrNoResponsibleParty, err)
	}
	a, err := m.Ledger.update(id, func(a *Alert) {
		a.Assignee = resp.ID
		a.Deferred = false
	})
	if err != nil {
		return nil, err
	}
	if err := m.Dispatcher.Dispatch(ctx, a, a.Tier); err != nil {
		m.log.Warn("dispatch not accepted, will retry", "alert", id, "err", err)
		a, _ = m.Ledger.update(id, func(a *Alert) { a.Deferred = true })
		m.park(id)
		return a, nil
	}
	return a, nil
}

func (m *Manager) responsible(ctx context.Context) (directory.Recipient, error) {
	ctx, cancel := context.WithTimeout(ctx, m.LookupTimeout)
	defer cancel()
	return m.Directory.Responsible(ctx, m.SessionID)
}

func (m *Manager) park(id string) {
	if !slices.Contains(m.deferred, id) {
		m.deferred = append(m.deferred, id)
		metrics.AlertsDeferred.Inc()
	}
}

func (m *Manager) unpark(id string) {
	if i := slices.Index(m.deferred, id); i >= 0 {
		m.deferred = slices.Delete(m.deferred, i, i+1)
		metrics.AlertsDeferred.Dec()
	}
}

// Deferred returns the number of alerts waiting for dispatch.
func (m *Manager) Deferred() int { return len(m.deferred) }

// RetryDeferred re-attempts dispatch of alerts that had nobody to go to.
// It returns the number dispatched.
func (m *Manager) RetryDeferred(ctx context.Context) int {
	if len(m.deferred) == 0 {
		return 0
	}
	if _, err := m.responsible(ctx); err != nil {
		return 0
	}
	pending := slices.Clone(m.deferred)
	sent := 0
	for _, id := range pending {
		m.unpark(id)
		a, err := m.Ledger.Get(id)
		if err != nil || a.State.Terminal() {
			continue
		}
		if a, err = m.deliver(ctx, id); err == nil && !a.Deferred {
			sent++
		}
	}
	if sent > 0 {
		m.log.Info("deferred alerts dispatched", "count", sent)
	}
	return sent
}

// Transition applies a human action. Escalation attaches the institution's
// active referees and re-dispatches at tier_2; closing registers suppression
// and tags the recent-history index.
func (m *Manager) Transition(ctx context.Context, id string, action Action, actor, notes string) (*Alert, error) {
	now := m.Clock()
	a, err := m.Ledger.Apply(id, action, actor, notes, now)
	if err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(action)).Inc()
	m.record(ctx, audit.TypeTransition, id, a.History[len(a.History)-1])

	switch a.State {
	case StateEscalated:
		return m.escalate(ctx, a)
	case StateResolved, StateFalsePositive:
		m.close(ctx, a, now)
	}
	return a, nil
}

func (m *Manager) escalate(ctx context.Context, a *Alert) (*Alert, error) {
	lctx, cancel := context.WithTimeout(ctx, m.LookupTimeout)
	refs, err := m.Directory.Referees(lctx, m.Institution)
	cancel()
	if err != nil {
		m.log.Warn("referee lookup failed", "alert", a.ID, "err", err)
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	a, err = m.Ledger.update(a.ID, func(a *Alert) {
		a.EscalatedTo = ids
		a.Tier = classify.Tier2
	})
	if err != nil {
		return nil, err
	}
	if err := m.Dispatcher.Dispatch(ctx, a, classify.Tier2); err != nil {
		m.log.Warn("escalation dispatch not accepted, will retry", "alert", a.ID, "err", err)
		m.park(a.ID)
	}
	return a, nil
}

func (m *Manager) close(ctx context.Context, a *Alert, now time.Time) {
	m.unpark(a.ID)
	t, ok := m.targets[a.ID]
	if !ok {
		return
	}
	delete(m.targets, a.ID)

	outcome := classify.OutcomeResolved
	if a.State == StateFalsePositive {
		outcome = classify.OutcomeFalsePositive
	}
	for _, ev := range t.Events() {
		m.History.Tag(ev, outcome)
	}
	metrics.Outcomes.WithLabelValues(string(outcome), a.Kind).Inc()

	if !m.Suppression.RecordOutcome(t, outcome == classify.OutcomeFalsePositive, now) {
		return
	}
	adv := Advisory{
		SessionID:      m.SessionID,
		Institution:    m.Institution,
		FalsePositives: m.Suppression.FalsePositives(),
		Message:        fmt.Sprintf("session %s switched to reduced sensitivity after %d false positives", m.SessionID, m.Suppression.FalsePositives()),
		At:             now,
	}
	metrics.BreakerTrips.Inc()
	m.log.Warn("false-positive breaker tripped", "false_positives", adv.FalsePositives)
	m.record(ctx, audit.TypeAdvisory, m.SessionID, adv)
	if err := m.Dispatcher.Advise(ctx, adv); err != nil {
		m.log.Error("admin advisory failed", "err", err)
	}
}

// Flush releases per-session state on session end. Deferred alerts stay
// recorded but are no longer retried.
func (m *Manager) Flush() {
	metrics.AlertsDeferred.Sub(float64(len(m.deferred)))
	m.deferred = nil
	clear(m.targets)
}

func (m *Manager) record(ctx context.Context, typ audit.Type, ref string, payload any) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Append(ctx, audit.Record{SessionID: m.SessionID, Type: typ, RefID: ref, Payload: payload}); err != nil {
		m.log.Error("audit append failed", "type", typ, "ref", ref, "err", err)
	}
}
