// Package session runs the per-session pipeline. Every exam session gets one
// goroutine that owns its correlation window, history, suppression state and
// alert lifecycle; the Registry routes intake and human actions to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/correlate"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hallwatch/internal/suppress"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already running")
	ErrDuplicateEvent = errors.New("duplicate detection event")
	ErrSessionBusy    = errors.New("session busy")
	ErrDraining       = errors.New("engine is shutting down")
)

// Spec describes a session to start. Invigilator, when set, is assigned
// right away; otherwise alerts wait for Assign.
type Spec struct {
	ID          string               `json:"id"`
	Institution string               `json:"institution"`
	Invigilator *directory.Recipient `json:"invigilator,omitempty"`
}

// Deps are the shared collaborators of every session.
type Deps struct {
	Classifier *classify.Classifier
	Directory  directory.Directory
	Dispatcher alert.Dispatcher
	Sink       audit.Sink
	Logger     *slog.Logger
	Clock      func() time.Time
}

// ended keeps what survives a session for review.
type ended struct {
	info   Info
	ledger *alert.Ledger
}

// owner locates an alert. The ledger pointer, not the session id, identifies
// the session instance, so a restarted id does not capture older alerts.
type owner struct {
	session string
	ledger  *alert.Ledger
}

// Registry owns the running sessions.
type Registry struct {
	ctx  context.Context
	deps Deps
	log  *slog.Logger
	conf atomic.Pointer[config.Config]

	mu       sync.RWMutex
	live     map[string]*session
	closed   map[string]*ended
	draining bool
	wg       sync.WaitGroup

	index sync.Map // alert id -> owner
}

// NewRegistry creates an empty registry. Session goroutines inherit ctx.
func NewRegistry(ctx context.Context, conf *config.Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	r := &Registry{
		ctx:    ctx,
		deps:   deps,
		log:    deps.Logger.With("component", "sessions"),
		live:   make(map[string]*session),
		closed: make(map[string]*ended),
	}
	r.conf.Store(conf)
	return r
}

// SetConfig replaces the settings used for sessions started from now on.
// Running sessions keep the settings they started with.
func (r *Registry) SetConfig(conf *config.Config) { r.conf.Store(conf) }

// Start opens a session and its goroutine.
func (r *Registry) Start(ctx context.Context, spec Spec) (Info, error) {
	if spec.ID == "" {
		return Info{}, fmt.Errorf("%w: session id is required", detection.ErrMalformedEvent)
	}
	conf := *r.conf.Load()
	now := r.deps.Clock()

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return Info{}, ErrDraining
	}
	if _, ok := r.live[spec.ID]; ok {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("session %s: %w", spec.ID, ErrSessionExists)
	}
	s := r.newSession(spec, conf, now)
	r.live[spec.ID] = s
	// Alerts of an earlier run under this id stay reachable through the index.
	delete(r.closed, spec.ID)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		s.run(r.ctx)
	}()
	metrics.ActiveSessions.Inc()

	if err := s.record(ctx, audit.TypeSessionStarted, spec.ID, spec); err != nil {
		r.log.Error("audit append failed", "type", audit.TypeSessionStarted, "session", spec.ID, "err", err)
	}
	if spec.Invigilator != nil {
		if err := r.Assign(ctx, spec.ID, *spec.Invigilator); err != nil {
			r.log.Warn("initial assignment failed", "session", spec.ID, "err", err)
		}
	}
	r.log.Info("session started", "session", spec.ID, "institution", spec.Institution)
	return Info{ID: spec.ID, Institution: spec.Institution, StartedAt: now}, nil
}

func (r *Registry) newSession(spec Spec, conf config.Config, now time.Time) *session {
	log := r.deps.Logger.With("session", spec.ID)
	supp := suppress.New(conf.Suppression)
	hist := classify.NewHistory(conf.Classifier.HistoryWindow + conf.Engine.Window + conf.Engine.LateTolerance)
	ledger := alert.NewLedger()
	// No janitor goroutine; the session sweeps on tick.
	dedup := cache.New(conf.Engine.Window+conf.Engine.LateTolerance+conf.Engine.DedupWindow, 0)
	s := &session{
		id:          spec.ID,
		institution: spec.Institution,
		startedAt:   now,
		conf:        conf,
		clock:       r.deps.Clock,
		log:         log,
		classifier:  r.deps.Classifier,
		sink:        r.deps.Sink,
		onAlert:     func(id string) { r.index.Store(id, owner{session: spec.ID, ledger: ledger}) },
		window:      correlate.NewWindow(spec.ID, conf.Engine.Window, conf.Engine.NeighborDistance),
		history:     hist,
		supp:        supp,
		ledger:      ledger,
		dedup:       dedup,
		lastRetry:   now,
		mailbox:     make(chan request, conf.Engine.MailboxDepth),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.alerts = alert.NewManager(alert.Options{
		SessionID:     spec.ID,
		Institution:   spec.Institution,
		Ledger:        ledger,
		Directory:     r.deps.Directory,
		Dispatcher:    r.deps.Dispatcher,
		Sink:          r.deps.Sink,
		Suppression:   supp,
		History:       hist,
		Logger:        log,
		Clock:         r.deps.Clock,
		LookupTimeout: conf.Engine.LookupTimeout,
	})
	return s
}

func (r *Registry) session(id string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[id]; ok {
		return s, nil
	}
	if r.draining {
		return nil, ErrDraining
	}
	return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
}

// Submit validates ev, writes it to the audit stream and admits it to its
// session. An event without an id is given one.
func (r *Registry) Submit(ctx context.Context, ev *detection.Event) (Accepted, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := ev.Validate(); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		return Accepted{}, err
	}
	s, err := r.session(ev.SessionID)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("unknown_session").Inc()
		return Accepted{}, err
	}

	var (
		acc  Accepted
		aerr error
	)
	if err := s.do(ctx, func(ctx context.Context) { acc, aerr = s.admit(ctx, ev) }); err != nil {
		if errors.Is(err, ErrSessionBusy) {
			metrics.EventsRejected.WithLabelValues("busy").Inc()
		}
		return Accepted{}, err
	}
	return acc, aerr
}

// End stops a session: open groups are flushed into alerts, working state is
// released and the alert ledger is kept for review.
func (r *Registry) End(ctx context.Context, id string) (Info, error) {
	r.mu.Lock()
	s, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	delete(r.live, id)
	r.mu.Unlock()

	info := r.stop(ctx, s)
	r.mu.Lock()
	r.closed[id] = &ended{info: info, ledger: s.ledger}
	r.mu.Unlock()
	return info, nil
}

func (r *Registry) stop(ctx context.Context, s *session) Info {
	var info Info
	if err := s.do(ctx, func(context.Context) { info = s.info() }); err != nil {
		info = Info{ID: s.id, Institution: s.institution, StartedAt: s.startedAt}
	}
	close(s.stop)
	<-s.done
	metrics.ActiveSessions.Dec()

	info.EndedAt = r.deps.Clock()
	info.Alerts = s.ledger.Len()
	info.OpenGroups, info.Pending, info.Deferred = 0, 0, 0
	if err := r.deps.Directory.Release(ctx, s.id); err != nil {
		r.log.Warn("release assignment failed", "session", s.id, "err", err)
	}
	if err := s.record(ctx, audit.TypeSessionEnded, s.id, info); err != nil {
		r.log.Error("audit append failed", "type", audit.TypeSessionEnded, "session", s.id, "err", err)
	}
	r.log.Info("session ended", "session", s.id, "events", info.Events, "alerts", info.Alerts)
	return info
}

// Assign makes rec the responsible invigilator of a session and dispatches
// any alerts that were waiting for one.
func (r *Registry) Assign(ctx context.Context, sessionID string, rec directory.Recipient) error {
	s, err := r.session(sessionID)
	if err != nil {
		return err
	}
	rec.Role = directory.RoleInvigilator
	rec.Active = true
	if err := r.deps.Directory.Assign(ctx, sessionID, rec); err != nil {
		return fmt.Errorf("assign %s to %s: %w", rec.ID, sessionID, err)
	}
	return s.do(ctx, func(ctx context.Context) { s.retryDeferred(ctx) })
}

// Transition applies a human action to an alert. Alerts of ended sessions can
// still be closed; that only updates the ledger and the audit stream.
func (r *Registry) Transition(ctx context.Context, alertID string, action alert.Action, actor, notes string) (*alert.Alert, error) {
	o, err := r.owner(alertID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	s, live := r.live[o.session]
	r.mu.RUnlock()
	if live && s.ledger == o.ledger {
		var (
			a    *alert.Alert
			terr error
		)
		err := s.do(ctx, func(ctx context.Context) { a, terr = s.alerts.Transition(ctx, alertID, action, actor, notes) })
		if err == nil {
			return a, terr
		}
		// Ended while we were queueing; the ledger below is all that is left.
		if !errors.Is(err, ErrUnknownSession) {
			return nil, err
		}
	}

	a, err := o.ledger.Apply(alertID, action, actor, notes, r.deps.Clock())
	if err != nil {
		return nil, err
	}
	metrics.Transitions.WithLabelValues(string(action)).Inc()
	if r.deps.Sink != nil {
		rec := audit.Record{SessionID: a.SessionID, Type: audit.TypeTransition, RefID: a.ID, Payload: a.History[len(a.History)-1]}
		if err := r.deps.Sink.Append(ctx, rec); err != nil {
			r.log.Error("audit append failed", "type", audit.TypeTransition, "alert", a.ID, "err", err)
		}
	}
	return a, nil
}

// Alert returns a snapshot of one alert.
func (r *Registry) Alert(id string) (*alert.Alert, error) {
	o, err := r.owner(id)
	if err != nil {
		return nil, err
	}
	return o.ledger.Get(id)
}

func (r *Registry) owner(alertID string) (owner, error) {
	v, ok := r.index.Load(alertID)
	if !ok {
		return owner{}, fmt.Errorf("alert %s: %w", alertID, alert.ErrUnknownAlert)
	}
	return v.(owner), nil
}

// Alerts lists a session's alerts in creation order, live or ended.
func (r *Registry) Alerts(sessionID string) ([]*alert.Alert, error) {
	l, err := r.ledger(sessionID)
	if err != nil {
		return nil, err
	}
	return l.List(), nil
}

func (r *Registry) ledger(sessionID string) (*alert.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.live[sessionID]; ok {
		return s.ledger, nil
	}
	if e, ok := r.closed[sessionID]; ok {
		return e.ledger, nil
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
}

// Info returns the state of one session.
func (r *Registry) Info(ctx context.Context, id string) (Info, error) {
	r.mu.RLock()
	s, live := r.live[id]
	e, closed := r.closed[id]
	r.mu.RUnlock()
	switch {
	case live:
		var info Info
		if err := s.do(ctx, func(context.Context) { info = s.info() }); err != nil {
			return Info{}, err
		}
		return info, nil
	case closed:
		return e.info, nil
	}
	return Info{}, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
}

// Sessions lists the ids of running sessions, sorted.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tick runs one housekeeping pass on a session immediately.
func (r *Registry) Tick(ctx context.Context, id string) error {
	s, err := r.session(id)
	if err != nil {
		return err
	}
	return s.do(ctx, s.tick)
}

// Sync returns once every request queued to the session before it has run.
func (r *Registry) Sync(ctx context.Context, id string) error {
	s, err := r.session(id)
	if err != nil {
		return err
	}
	return s.do(ctx, func(context.Context) {})
}

// Shutdown refuses new work and ends every running session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if _, err := r.End(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
			r.log.Error("end session on shutdown failed", "session", id, "err", err)
		}
	}
	r.wg.Wait()
}
