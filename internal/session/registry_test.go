package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type dispatchCall struct {
	AlertID  string
	Tier     classify.Tier
	Assignee string
}

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []dispatchCall
	advisories []alert.Advisory
}

func (f *fakeDispatcher) Dispatch(_ context.Context, a *alert.Alert, tier classify.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{AlertID: a.ID, Tier: tier, Assignee: a.Assignee})
	return nil
}

func (f *fakeDispatcher) Advise(_ context.Context, adv alert.Advisory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advisories = append(f.advisories, adv)
	return nil
}

func (f *fakeDispatcher) Calls() []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchCall(nil), f.calls...)
}

func (f *fakeDispatcher) Advisories() []alert.Advisory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alert.Advisory(nil), f.advisories...)
}

type memSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memSink) Append(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) count(typ audit.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	reg   *session.Registry
	clock *fakeClock
	disp  *fakeDispatcher
	sink  *memSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.TickInterval = time.Hour // tests tick explicitly

	rs, err := classify.Build(classify.DefaultRules())
	require.NoError(t, err)

	f := &fixture{
		clock: &fakeClock{now: t0},
		disp:  &fakeDispatcher{},
		sink:  &memSink{},
	}
	dir := directory.NewStatic([]config.InstitutionDef{{
		ID:       "uni-1",
		Referees: []config.RecipientDef{{ID: "ref-1"}},
		Admins:   []config.RecipientDef{{ID: "adm-1"}},
	}})
	f.reg = session.NewRegistry(context.Background(), cfg, session.Deps{
		Classifier: classify.New(rs, *cfg),
		Directory:  dir,
		Dispatcher: f.disp,
		Sink:       f.sink,
		Clock:      f.clock.Now,
	})
	t.Cleanup(func() { f.reg.Shutdown(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T, id string, invigilator bool) {
	t.Helper()
	spec := session.Spec{ID: id, Institution: "uni-1"}
	if invigilator {
		spec.Invigilator = &directory.Recipient{ID: "inv-1"}
	}
	_, err := f.reg.Start(context.Background(), spec)
	require.NoError(t, err)
}

func event(id string, kind detection.Kind, row, seat int, at time.Time) *detection.Event {
	return &detection.Event{
		ID:         id,
		SessionID:  "hall-1",
		DeviceID:   fmt.Sprintf("cam-%d-%d", row, seat),
		Kind:       kind,
		Locator:    detection.Locator{Row: row, Seat: seat},
		Severity:   detection.SeverityLow,
		Confidence: 0.9,
		OccurredAt: at,
	}
}

// submitAt moves the clock to the event's timestamp and submits it.
func (f *fixture) submitAt(t *testing.T, ev *detection.Event) session.Accepted {
	t.Helper()
	f.clock.Set(ev.OccurredAt)
	acc, err := f.reg.Submit(context.Background(), ev)
	require.NoError(t, err)
	return acc
}

func (f *fixture) tickAt(t *testing.T, id string, at time.Time) {
	t.Helper()
	f.clock.Set(at)
	require.NoError(t, f.reg.Tick(context.Background(), id))
}

func (f *fixture) alerts(t *testing.T, id string) []*alert.Alert {
	t.Helper()
	as, err := f.reg.Alerts(id)
	require.NoError(t, err)
	return as
}

func TestScenarioA_AdjacentHeadPoseBecomesOneGroup(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)

	f.submitAt(t, event("e1", detection.KindHeadPose, 3, 4, t0))
	acc := f.submitAt(t, event("e2", detection.KindHeadPose, 3, 5, t0.Add(2*time.Second)))
	assert.Equal(t, "hall-1-g000001", acc.GroupID)
	f.submitAt(t, event("e3", detection.KindHeadPose, 3, 6, t0.Add(3*time.Second)))

	f.tickAt(t, "hall-1", t0.Add(8*time.Second))

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 1)
	a := as[0]
	assert.True(t, a.Grouped())
	assert.Empty(t, a.EventID)
	assert.Len(t, a.Locators, 3)
	assert.Equal(t, classify.Tier2, a.Tier)
	assert.Equal(t, "grouped", a.RuleID)
	assert.Equal(t, t0, a.TriggeredAt)

	calls := f.disp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, dispatchCall{AlertID: a.ID, Tier: classify.Tier2, Assignee: "inv-1"}, calls[0])
	assert.Equal(t, 3, f.sink.count(audit.TypeDetection))
	assert.Equal(t, 1, f.sink.count(audit.TypeGroup))
}

func TestWindow_WaitsForLatePartner(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	f.submitAt(t, event("a", detection.KindHeadPose, 3, 4, t0))
	f.tickAt(t, "hall-1", t0.Add(5*time.Second))
	assert.Empty(t, f.alerts(t, "hall-1"), "a partner may still be in flight")

	// Occurred inside a's window, delivered 1.5s late.
	f.clock.Set(t0.Add(5500 * time.Millisecond))
	acc, err := f.reg.Submit(ctx, event("b", detection.KindHeadPose, 3, 5, t0.Add(4*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, "hall-1-g000001", acc.GroupID)

	f.tickAt(t, "hall-1", t0.Add(7*time.Second))
	as := f.alerts(t, "hall-1")
	require.Len(t, as, 1)
	assert.True(t, as[0].Grouped())
	assert.Len(t, as[0].Locators, 2)
	assert.Equal(t, t0, as[0].TriggeredAt)
}

func TestScenarioB_SingleLowSeverityIsTier1(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)

	ev := event("e1", detection.KindHeadPose, 2, 2, t0)
	ev.Attributes = map[string]any{"duration": 1.0}
	f.submitAt(t, ev)
	f.tickAt(t, "hall-1", t0.Add(8*time.Second))

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 1)
	assert.Equal(t, classify.Tier1, as[0].Tier)
	assert.Equal(t, classify.DefaultRuleID, as[0].RuleID)
	assert.Equal(t, "e1", as[0].EventID)
}

func TestScenarioC_RepeatedMovementEscalatesThirdEvent(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)

	for i, off := range []time.Duration{0, 20 * time.Second, 45 * time.Second} {
		f.submitAt(t, event(fmt.Sprintf("m%d", i), detection.KindMovement, 4, 4, t0.Add(off)))
		f.tickAt(t, "hall-1", t0.Add(off+8*time.Second))
	}

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 3)
	assert.Equal(t, classify.Tier1, as[0].Tier)
	assert.Equal(t, classify.Tier1, as[1].Tier)
	assert.Equal(t, classify.Tier2, as[2].Tier)
	assert.Equal(t, "repeat_offender", as[2].RuleID)
}

func TestScenarioD_ResolvedStudentIsSuppressedForCooldown(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	f.submitAt(t, event("a1", detection.KindAudioSpike, 5, 5, t0))
	f.tickAt(t, "hall-1", t0.Add(8*time.Second))
	first := f.alerts(t, "hall-1")[0]

	resolvedAt := t0.Add(8 * time.Second)
	_, err := f.reg.Transition(ctx, first.ID, alert.ActionAcknowledge, "inv-1", "")
	require.NoError(t, err)
	_, err = f.reg.Transition(ctx, first.ID, alert.ActionResolve, "inv-1", "student adjusting headset")
	require.NoError(t, err)

	f.submitAt(t, event("a2", detection.KindAudioSpike, 5, 5, resolvedAt.Add(4*time.Minute)))
	f.tickAt(t, "hall-1", resolvedAt.Add(4*time.Minute+8*time.Second))
	f.submitAt(t, event("a3", detection.KindAudioSpike, 5, 5, resolvedAt.Add(6*time.Minute)))
	f.tickAt(t, "hall-1", resolvedAt.Add(6*time.Minute+8*time.Second))

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 3)
	assert.True(t, as[1].Muted, "inside the cooldown")
	assert.Equal(t, alert.StatePending, as[1].State)
	assert.False(t, as[2].Muted, "after the cooldown")

	var dispatched []string
	for _, c := range f.disp.Calls() {
		dispatched = append(dispatched, c.AlertID)
	}
	assert.Equal(t, []string{as[0].ID, as[2].ID}, dispatched)
}

func TestScenarioE_BreakerTripsOnceAndRaisesThresholds(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	for i := range 11 {
		at := t0.Add(time.Duration(i) * 2 * time.Minute)
		f.submitAt(t, event(fmt.Sprintf("fp%d", i), detection.KindAudioSpike, 1, 1+2*i, at))
		f.tickAt(t, "hall-1", at.Add(8*time.Second))
		as := f.alerts(t, "hall-1")
		_, err := f.reg.Transition(ctx, as[len(as)-1].ID, alert.ActionFalsePositive, "inv-1", "")
		require.NoError(t, err)
	}

	advs := f.disp.Advisories()
	require.Len(t, advs, 1)
	assert.Equal(t, 11, advs[0].FalsePositives)
	assert.Equal(t, 1, f.sink.count(audit.TypeAdvisory))

	info, err := f.reg.Info(ctx, "hall-1")
	require.NoError(t, err)
	assert.True(t, info.Reduced)

	// Three movements in a minute no longer meet the raised repeat threshold.
	base := t0.Add(30 * time.Minute)
	for i, off := range []time.Duration{0, 20 * time.Second, 45 * time.Second} {
		f.submitAt(t, event(fmt.Sprintf("m%d", i), detection.KindMovement, 9, 9, base.Add(off)))
		f.tickAt(t, "hall-1", base.Add(off+8*time.Second))
	}
	as := f.alerts(t, "hall-1")
	last := as[len(as)-1]
	assert.Equal(t, classify.Tier1, last.Tier)
	assert.Equal(t, classify.DefaultRuleID, last.RuleID)
	assert.Len(t, f.disp.Advisories(), 1)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()
	f.clock.Set(t0.Add(10 * time.Second))

	ev := event("x1", detection.KindHeadPose, 1, 1, t0.Add(10*time.Second))
	ev.SessionID = "hall-9"
	_, err := f.reg.Submit(ctx, ev)
	assert.ErrorIs(t, err, session.ErrUnknownSession)

	_, err = f.reg.Submit(ctx, event("x2", detection.KindHeadPose, 0, 1, t0.Add(10*time.Second)))
	assert.ErrorIs(t, err, detection.ErrMalformedEvent)

	_, err = f.reg.Submit(ctx, event("late", detection.KindHeadPose, 1, 1, t0.Add(7*time.Second)))
	assert.ErrorIs(t, err, detection.ErrMalformedEvent)

	_, err = f.reg.Submit(ctx, event("future", detection.KindHeadPose, 1, 1, t0.Add(13*time.Second)))
	assert.ErrorIs(t, err, detection.ErrMalformedEvent)

	acc, err := f.reg.Submit(ctx, event("ok", detection.KindHeadPose, 1, 1, t0.Add(8500*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Seq)
	assert.Equal(t, 1, f.sink.count(audit.TypeDetection))
}

func TestSubmit_AbsorbsAnalyzerRetries(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	first := f.submitAt(t, event("d1", detection.KindHeadPose, 2, 3, t0))
	assert.Equal(t, uint64(1), first.Seq)

	_, err := f.reg.Submit(ctx, event("d1-retry", detection.KindHeadPose, 2, 3, t0.Add(30*time.Millisecond)))
	assert.ErrorIs(t, err, session.ErrDuplicateEvent)

	later, err := f.reg.Submit(ctx, event("d2", detection.KindHeadPose, 2, 3, t0.Add(60*time.Millisecond)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), later.Seq)

	other := event("d3", detection.KindHeadPose, 2, 3, t0)
	other.DeviceID = "cam-backup"
	acc, err := f.reg.Submit(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acc.Seq)

	audio := event("d4", detection.KindAudioSpike, 2, 3, t0)
	_, err = f.reg.Submit(ctx, audio)
	require.NoError(t, err)

	assert.Equal(t, 4, f.sink.count(audit.TypeDetection))
}

func TestSubmit_AssignsIDWhenMissing(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)

	ev := event("", detection.KindObjectDetection, 6, 1, t0)
	acc := f.submitAt(t, ev)
	assert.NotEmpty(t, acc.EventID)
	assert.Equal(t, acc.EventID, ev.ID)
}

func TestAlertsWaitForAnInvigilator(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", false)
	ctx := context.Background()

	f.submitAt(t, event("e1", detection.KindObjectDetection, 7, 2, t0))
	f.tickAt(t, "hall-1", t0.Add(8*time.Second))

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 1)
	assert.True(t, as[0].Deferred)
	assert.Empty(t, f.disp.Calls())

	info, err := f.reg.Info(ctx, "hall-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Deferred)

	require.NoError(t, f.reg.Assign(ctx, "hall-1", directory.Recipient{ID: "inv-2"}))

	calls := f.disp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "inv-2", calls[0].Assignee)
	a, err := f.reg.Alert(as[0].ID)
	require.NoError(t, err)
	assert.False(t, a.Deferred)
	assert.Equal(t, "inv-2", a.Assignee)
}

func TestTransition_RoutesToOwningSession(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	f.submitAt(t, event("e1", detection.KindObjectDetection, 1, 1, t0))
	f.tickAt(t, "hall-1", t0.Add(8*time.Second))
	id := f.alerts(t, "hall-1")[0].ID

	a, err := f.reg.Transition(ctx, id, alert.ActionEscalate, "inv-1", "phone on desk")
	require.NoError(t, err)
	assert.Equal(t, alert.StateEscalated, a.State)
	assert.Equal(t, []string{"ref-1"}, a.EscalatedTo)

	calls := f.disp.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, classify.Tier2, calls[1].Tier)

	_, err = f.reg.Transition(ctx, id, alert.ActionAcknowledge, "ref-1", "")
	assert.ErrorIs(t, err, alert.ErrInvalidTransition)

	_, err = f.reg.Transition(ctx, "nope", alert.ActionResolve, "ref-1", "")
	assert.ErrorIs(t, err, alert.ErrUnknownAlert)
}

func TestEnd_FlushesOpenGroupAndKeepsLedger(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	f.submitAt(t, event("e1", detection.KindHeadPose, 3, 3, t0))
	f.submitAt(t, event("e2", detection.KindMovement, 3, 4, t0.Add(time.Second)))

	info, err := f.reg.End(ctx, "hall-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Events)
	assert.Equal(t, 1, info.Alerts)
	assert.Empty(t, f.reg.Sessions())

	as := f.alerts(t, "hall-1")
	require.Len(t, as, 1)
	assert.True(t, as[0].Grouped())
	assert.Equal(t, 1, f.sink.count(audit.TypeSessionEnded))

	_, err = f.reg.Submit(ctx, event("e3", detection.KindHeadPose, 3, 5, t0.Add(time.Second)))
	assert.ErrorIs(t, err, session.ErrUnknownSession)

	// Alerts of an ended session can still be closed for the record.
	a, err := f.reg.Transition(ctx, as[0].ID, alert.ActionFalsePositive, "inv-1", "reviewed after exam")
	require.NoError(t, err)
	assert.Equal(t, alert.StateFalsePositive, a.State)
	assert.NotNil(t, a.ResolvedAt)

	ended, err := f.reg.Info(ctx, "hall-1")
	require.NoError(t, err)
	assert.False(t, ended.EndedAt.IsZero())
}

func TestStart_Conflicts(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", false)
	ctx := context.Background()

	_, err := f.reg.Start(ctx, session.Spec{ID: "hall-1"})
	assert.ErrorIs(t, err, session.ErrSessionExists)

	f.reg.Shutdown(ctx)
	_, err = f.reg.Start(ctx, session.Spec{ID: "hall-2"})
	assert.ErrorIs(t, err, session.ErrDraining)
	_, err = f.reg.Submit(ctx, event("e1", detection.KindHeadPose, 1, 1, t0))
	assert.ErrorIs(t, err, session.ErrDraining)
}

func TestStart_RestartKeepsEarlierAlerts(t *testing.T) {
	f := newFixture(t)
	f.start(t, "hall-1", true)
	ctx := context.Background()

	f.submitAt(t, event("e1", detection.KindObjectDetection, 2, 2, t0))
	f.tickAt(t, "hall-1", t0.Add(8*time.Second))
	first := f.alerts(t, "hall-1")[0]
	_, err := f.reg.End(ctx, "hall-1")
	require.NoError(t, err)

	f.start(t, "hall-1", true)
	assert.Empty(t, f.alerts(t, "hall-1"))

	a, err := f.reg.Alert(first.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatePending, a.State)

	sent := len(f.disp.Calls())
	a, err = f.reg.Transition(ctx, first.ID, alert.ActionAcknowledge, "inv-1", "after restart")
	require.NoError(t, err)
	assert.Equal(t, alert.StateAcknowledged, a.State)
	assert.Len(t, f.disp.Calls(), sent, "closed run does not dispatch")

	f.submitAt(t, event("e2", detection.KindObjectDetection, 2, 2, t0.Add(20*time.Second)))
	f.tickAt(t, "hall-1", t0.Add(28*time.Second))
	current := f.alerts(t, "hall-1")
	require.Len(t, current, 1)
	assert.NotEqual(t, first.ID, current[0].ID)

	b, err := f.reg.Transition(ctx, current[0].ID, alert.ActionEscalate, "inv-1", "")
	require.NoError(t, err)
	assert.Equal(t, alert.StateEscalated, b.State)

	a, err = f.reg.Alert(first.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StateAcknowledged, a.State)
}

func TestSessions_AreIsolated(t *testing.T) {
	f := newFixture(t)
	ids := []string{"hall-1", "hall-2", "hall-3"}
	for _, id := range ids {
		f.start(t, id, true)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 10 {
				ev := event(fmt.Sprintf("%s-e%d", id, i), detection.KindObjectDetection, 1+2*i, 1, t0)
				ev.SessionID = id
				_, err := f.reg.Submit(ctx, ev)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		info, err := f.reg.Info(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), info.Events, id)
		assert.Equal(t, 10, info.Pending, id)
	}
	assert.Equal(t, ids, f.reg.Sessions())
}
