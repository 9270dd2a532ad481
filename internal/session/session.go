package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/correlate"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/metrics"
	"github.com/gyaneshwarpardhi/hallwatch/internal/suppress"
)

// Accepted acknowledges an admitted event.
type Accepted struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	GroupID    string    `json:"group_id,omitempty"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"id"`
	Institution string    `json:"institution"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Events      uint64    `json:"events"`
	Pending     int       `json:"pending_events"`
	OpenGroups  int       `json:"open_groups"`
	Alerts      int       `json:"alerts"`
	Deferred    int       `json:"deferred_alerts"`
	Reduced     bool      `json:"reduced_sensitivity"`
}

// request is one unit of work for the session goroutine.
type request struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// session owns every piece of per-session state and is driven by exactly one
// goroutine. Other goroutines reach it only through the mailbox.
type session struct {
	id          string
	institution string
	startedAt   time.Time
	conf        config.Config
	clock       func() time.Time
	log         *slog.Logger

	classifier *classify.Classifier
	sink       audit.Sink
	onAlert    func(alertID string)

	window  *correlate.Window
	history *classify.History
	supp    *suppress.Engine
	alerts  *alert.Manager
	ledger  *alert.Ledger
	dedup   *cache.Cache

	seq       uint64
	lastRetry time.Time

	mailbox chan request
	stop    chan struct{}
	done    chan struct{}
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.conf.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-s.mailbox:
			req.fn(ctx)
			close(req.done)
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stop:
			// Serve what was queued before the stop so callers are not left waiting.
			for {
				select {
				case req := <-s.mailbox:
					req.fn(ctx)
					close(req.done)
				default:
					s.teardown(ctx)
					return
				}
			}
		}
	}
}

// do runs fn on the session goroutine and waits for it to finish. It fails
// with ErrSessionBusy when the mailbox stays full past the submit timeout.
func (s *session) do(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{fn: fn, done: make(chan struct{})}
	timeout := time.NewTimer(s.conf.Engine.SubmitTimeout)
	defer timeout.Stop()

	select {
	case s.mailbox <- req:
	case <-s.done:
		return fmt.Errorf("session %s: %w", s.id, ErrUnknownSession)
	case <-timeout.C:
		return fmt.Errorf("session %s: %w (mailbox capacity %d)", s.id, ErrSessionBusy, cap(s.mailbox))
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-s.done:
		// A request served during the final drain is closed before done.
		select {
		case <-req.done:
			return nil
		default:
			return fmt.Errorf("session %s: %w", s.id, ErrUnknownSession)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit runs intake for one event on the session goroutine.
func (s *session) admit(ctx context.Context, ev *detection.Event) (Accepted, error) {
	now := s.clock()
	tol := s.conf.Engine.LateTolerance
	switch {
	case ev.OccurredAt.Before(now.Add(-tol)):
		metrics.EventsRejected.WithLabelValues("late").Inc()
		return Accepted{}, fmt.Errorf("%w: occurred_at %s is older than the %v late tolerance",
			detection.ErrMalformedEvent, ev.OccurredAt.Format(time.RFC3339Nano), tol)
	case ev.OccurredAt.After(now.Add(tol)):
		metrics.EventsRejected.WithLabelValues("future").Inc()
		return Accepted{}, fmt.Errorf("%w: occurred_at %s is ahead of the session clock",
			detection.ErrMalformedEvent, ev.OccurredAt.Format(time.RFC3339Nano))
	}
	if s.duplicate(ev) {
		metrics.EventsRejected.WithLabelValues("duplicate").Inc()
		s.log.Debug("duplicate event absorbed", "event", ev.ID, "device", ev.DeviceID, "kind", ev.Kind)
		return Accepted{}, ErrDuplicateEvent
	}

	s.seq++
	admitted := *ev
	admitted.Seq = s.seq
	admitted.ReceivedAt = now
	if err := s.record(ctx, audit.TypeDetection, admitted.ID, &admitted); err != nil {
		// Not durable, so not accepted. The analyzer retries.
		s.forget(&admitted)
		return Accepted{}, fmt.Errorf("record detection %s: %w", admitted.ID, err)
	}
	metrics.EventsAccepted.Inc()

	s.history.Record(&admitted)
	acc := Accepted{EventID: admitted.ID, SessionID: s.id, Seq: admitted.Seq, ReceivedAt: now}
	if g := s.window.Admit(&admitted); g != nil {
		acc.GroupID = g.ID
	}
	return acc, nil
}

// dedupKey buckets timestamps by the dedup window; a lookup checks the
// neighbouring buckets too so near-boundary retries are still caught.
func (s *session) dedupKey(ev *detection.Event, bucket int64) string {
	return ev.DeviceID + "|" + string(ev.Kind) + "|" + strconv.FormatInt(bucket, 10)
}

func (s *session) bucket(ev *detection.Event) int64 {
	w := s.conf.Engine.DedupWindow
	if w <= 0 {
		w = time.Millisecond
	}
	return ev.OccurredAt.UnixNano() / int64(w)
}

func (s *session) duplicate(ev *detection.Event) bool {
	b := s.bucket(ev)
	for _, nb := range []int64{b - 1, b, b + 1} {
		v, ok := s.dedup.Get(s.dedupKey(ev, nb))
		if !ok {
			continue
		}
		d := ev.OccurredAt.Sub(v.(time.Time))
		if d < 0 {
			d = -d
		}
		if d <= s.conf.Engine.DedupWindow {
			return true
		}
	}
	if s.dedup.ItemCount() >= s.conf.Engine.DedupCapacity {
		s.dedup.DeleteExpired()
	}
	if s.dedup.ItemCount() < s.conf.Engine.DedupCapacity {
		s.dedup.SetDefault(s.dedupKey(ev, b), ev.OccurredAt)
	} else {
		s.log.Warn("dedup cache full, event not remembered", "capacity", s.conf.Engine.DedupCapacity)
	}
	return false
}

func (s *session) forget(ev *detection.Event) {
	s.dedup.Delete(s.dedupKey(ev, s.bucket(ev)))
}

// tick closes due windows, classifies what they release and housekeeps the
// per-session indexes.
func (s *session) tick(ctx context.Context) {
	now := s.clock()
	// A partner may still arrive up to the late tolerance after its timestamp.
	for _, t := range s.window.Due(now.Add(-s.conf.Engine.LateTolerance)) {
		s.emit(ctx, t)
	}
	if now.Sub(s.lastRetry) >= s.conf.Engine.AssignmentRetry {
		s.lastRetry = now
		s.alerts.RetryDeferred(ctx)
	}
	s.history.Prune(now)
	// Keep suppression entries that a still-open window may check against.
	s.supp.Sweep(now.Add(-(s.conf.Engine.Window + s.conf.Engine.LateTolerance)))
	s.dedup.DeleteExpired()
}

func (s *session) sensitivity() classify.Sensitivity {
	if s.supp.Reduced() {
		return classify.Sensitivity{Thresholds: s.conf.Classifier.Reduced, Reduced: true}
	}
	return classify.Sensitivity{Thresholds: s.conf.Classifier.Normal}
}

// emit hands one frozen target to the classifier and the lifecycle manager.
func (s *session) emit(ctx context.Context, t detection.Target) {
	if t.IsGroup() {
		metrics.GroupsFormed.WithLabelValues(string(t.Group.Kind)).Inc()
		if err := s.record(ctx, audit.TypeGroup, t.Group.ID, t.Group); err != nil {
			s.log.Error("audit append failed", "type", audit.TypeGroup, "group", t.Group.ID, "err", err)
		}
	}
	d := s.classifier.Classify(t, s.history, s.sensitivity())
	a, err := s.alerts.Create(ctx, t, d)
	switch {
	case errors.Is(err, alert.ErrNoResponsibleParty):
		s.log.Warn("no invigilator assigned, alert deferred", "alert", a.ID, "target", t.ID())
	case err != nil:
		s.log.Error("alert creation failed", "target", t.ID(), "err", err)
		return
	}
	if s.onAlert != nil {
		s.onAlert(a.ID)
	}
	s.log.Debug("alert raised", "alert", a.ID, "target", t.ID(), "tier", d.Tier, "rule", d.RuleID, "muted", a.Muted)
}

// retryDeferred is used when an assignment arrives so parked alerts go out
// without waiting for the next retry interval.
func (s *session) retryDeferred(ctx context.Context) int {
	s.lastRetry = s.clock()
	return s.alerts.RetryDeferred(ctx)
}

func (s *session) info() Info {
	return Info{
		ID:          s.id,
		Institution: s.institution,
		StartedAt:   s.startedAt,
		Events:      s.seq,
		Pending:     s.window.Pending(),
		OpenGroups:  len(s.window.OpenGroups()),
		Alerts:      s.ledger.Len(),
		Deferred:    s.alerts.Deferred(),
		Reduced:     s.supp.Reduced(),
	}
}

// teardown flushes open windows into alerts and drops all working state.
// The ledger survives for review.
func (s *session) teardown(ctx context.Context) {
	for _, t := range s.window.Flush() {
		s.emit(ctx, t)
	}
	s.alerts.Flush()
	s.dedup.Flush()
	s.window, s.history, s.supp = nil, nil, nil
}

func (s *session) record(ctx context.Context, typ audit.Type, ref string, payload any) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Append(ctx, audit.Record{SessionID: s.id, Type: typ, RefID: ref, Payload: payload})
}
