package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/metrics"
)

// Channel sets per tier and role. Dashboard is always first.
var (
	tier1Invigilator = []string{ChannelDashboard, ChannelSilentHaptic}
	tier2Invigilator = []string{ChannelDashboard, ChannelHaptic, ChannelAudio}
	tier2Referee     = []string{ChannelDashboard, ChannelAudio}
	adminChannels    = []string{ChannelDashboard}
)

// job is one recipient's deliveries, in channel order.
type job struct {
	msgs []Message
}

// Dispatcher implements alert.Dispatcher on a shared worker pool. It is safe
// for concurrent use by every session.
type Dispatcher struct {
	reg  *Registry
	dir  directory.Directory
	conf config.DispatchConf
	log  *slog.Logger
	now  func() time.Time

	pool *workerPool[job]
	seen *cache.Cache // reserved delivery keys
}

var _ alert.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher starts the delivery workers. They stop when ctx is cancelled
// or Drain is called.
func NewDispatcher(ctx context.Context, reg *Registry, dir directory.Directory, conf config.DispatchConf, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		reg:  reg,
		dir:  dir,
		conf: conf,
		log:  log.With("component", "dispatcher"),
		now:  time.Now,
		seen: cache.New(conf.IdempotencyTTL, conf.IdempotencyTTL/2),
	}
	d.pool = newWorkerPool(ctx, conf.Workers, conf.QueueDepth, d.run)
	return d
}

// Dispatch plans and enqueues the deliveries for a at tier. Deliveries that
// were already made for this alert and tier are skipped, so callers may
// retry freely. An error means part of the plan could not be queued.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alert.Alert, tier classify.Tier) error {
	var plan []job
	add := func(r directory.Recipient, channels []string) {
		j := job{}
		for _, ch := range channels {
			j.msgs = append(j.msgs, d.message(a, tier, r, ch))
		}
		plan = append(plan, j)
	}

	if a.Assignee != "" {
		inv := directory.Recipient{ID: a.Assignee, Role: directory.RoleInvigilator}
		if tier == classify.Tier2 {
			add(inv, tier2Invigilator)
		} else {
			add(inv, tier1Invigilator)
		}
	}
	if tier == classify.Tier2 {
		refs, err := d.referees(ctx, a)
		if err != nil {
			d.log.Warn("referee lookup failed", "alert", a.ID, "err", err)
		}
		for _, r := range refs {
			add(r, tier2Referee)
		}
	}

	var errs []error
	for _, j := range plan {
		if err := d.enqueue(ctx, j, false); err != nil {
			errs = append(errs, err)
		}
	}
	d.updateUtilization()
	return errors.Join(errs...)
}

// referees returns the escalation recipients: the ones recorded on the alert
// when it was escalated, the institution's active referees otherwise.
func (d *Dispatcher) referees(ctx context.Context, a *alert.Alert) ([]directory.Recipient, error) {
	if len(a.EscalatedTo) > 0 {
		out := make([]directory.Recipient, 0, len(a.EscalatedTo))
		for _, id := range a.EscalatedTo {
			out = append(out, directory.Recipient{ID: id, Role: directory.RoleReferee, Active: true})
		}
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.conf.AttemptTimeout)
	defer cancel()
	return d.dir.Referees(ctx, a.Institution)
}

// Advise delivers an admin advisory to every admin dashboard and the admin
// push channel. It waits for queue room rather than dropping the notice.
func (d *Dispatcher) Advise(ctx context.Context, adv alert.Advisory) error {
	lctx, cancel := context.WithTimeout(ctx, d.conf.AttemptTimeout)
	admins, err := d.dir.Admins(lctx, adv.Institution)
	cancel()
	if err != nil {
		d.log.Warn("admin lookup failed", "session", adv.SessionID, "err", err)
	}

	base := Message{
		AlertID:   "advisory:" + adv.SessionID,
		SessionID: adv.SessionID,
		Title:     "Reduced sensitivity: " + adv.SessionID,
		Body:      adv.Message,
		At:        adv.At,
	}
	var plan []job
	for _, r := range admins {
		for _, ch := range adminChannels {
			m := base
			m.RecipientID = r.ID
			m.Role = string(directory.RoleAdmin)
			m.Channel = ch
			plan = append(plan, job{msgs: []Message{m}})
		}
	}
	if _, err := d.reg.Get(ChannelAdmin); err == nil {
		m := base
		m.RecipientID = "admins"
		m.Role = string(directory.RoleAdmin)
		m.Channel = ChannelAdmin
		plan = append(plan, job{msgs: []Message{m}})
	}

	var errs []error
	for _, j := range plan {
		if err := d.enqueue(ctx, j, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// enqueue reserves the job's delivery keys and queues it. Already reserved
// messages are dropped from the job; a job left empty is a no-op.
func (d *Dispatcher) enqueue(ctx context.Context, j job, wait bool) error {
	fresh := j.msgs[:0:0]
	for _, m := range j.msgs {
		if err := d.seen.Add(m.key(), struct{}{}, cache.DefaultExpiration); err != nil {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return nil
	}
	j.msgs = fresh

	ok := false
	if wait {
		ok = d.pool.SubmitWait(ctx, j)
	} else {
		ok = d.pool.Submit(j)
	}
	if ok {
		return nil
	}
	for _, m := range fresh {
		d.seen.Delete(m.key())
	}
	return fmt.Errorf("dispatch queue full (capacity %d)", d.pool.QueueCap())
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	for _, m := range j.msgs {
		if err := d.deliver(ctx, m); err != nil {
			d.log.Error("delivery failed", "alert", m.AlertID, "recipient", m.RecipientID, "channel", m.Channel, "err", err)
		}
	}
	d.updateUtilization()
}

// deliver sends one message with per-attempt timeouts and exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, m Message) error {
	ch, err := d.reg.Get(m.Channel)
	if err != nil {
		metrics.Deliveries.WithLabelValues(m.Channel, "unconfigured").Inc()
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.InitialBackoff
	b.MaxInterval = d.conf.MaxBackoff
	b.MaxElapsedTime = 0
	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.conf.AttemptTimeout)
		defer cancel()
		return ch.Send(actx, m)
	}
	notify := func(err error, wait time.Duration) {
		metrics.Deliveries.WithLabelValues(m.Channel, "retry").Inc()
		d.log.Debug("delivery attempt failed", "alert", m.AlertID, "channel", m.Channel, "attempt", attempts, "retry_in", wait, "err", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(d.conf.MaxAttempts-1, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		metrics.Deliveries.WithLabelValues(m.Channel, "failed").Inc()
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrChannelFailure, m.Channel, attempts, err)
	}
	metrics.Deliveries.WithLabelValues(m.Channel, "delivered").Inc()
	return nil
}

func (d *Dispatcher) message(a *alert.Alert, tier classify.Tier, r directory.Recipient, channel string) Message {
	locs := make([]string, 0, len(a.Locators))
	for _, l := range a.Locators {
		locs = append(locs, l.String())
	}
	return Message{
		AlertID:     a.ID,
		SessionID:   a.SessionID,
		Tier:        string(tier),
		RecipientID: r.ID,
		Role:        string(r.Role),
		Channel:     channel,
		Title:       fmt.Sprintf("[%s] %s at %s", tier, a.Kind, strings.Join(locs, ", ")),
		Body: fmt.Sprintf("session %s: %s alert %s (rule %s) triggered %s",
			a.SessionID, a.Severity, a.ID, a.RuleID, a.TriggeredAt.Format(time.TimeOnly)),
		At: d.now(),
	}
}

// QueueUtilization returns queue used / capacity (0–1).
func (d *Dispatcher) QueueUtilization() float64 {
	if d.pool.QueueCap() == 0 {
		return 0
	}
	return float64(d.pool.QueueLen()) / float64(d.pool.QueueCap())
}

func (d *Dispatcher) updateUtilization() {
	metrics.QueueUtilization.Set(d.QueueUtilization())
}

// Drain stops accepting work and waits for queued deliveries to finish.
func (d *Dispatcher) Drain() { d.pool.Drain() }
