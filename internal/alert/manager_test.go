package alert_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/classify"
	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/suppress"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type dispatchCall struct {
	AlertID  string
	Tier     classify.Tier
	Assignee string
}

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []dispatchCall
	advisories []alert.Advisory
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, a *alert.Alert, tier classify.Tier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dispatchCall{AlertID: a.ID, Tier: tier, Assignee: a.Assignee})
	return nil
}

func (f *fakeDispatcher) Advise(_ context.Context, adv alert.Advisory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advisories = append(f.advisories, adv)
	return nil
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
	mgr   *alert.Manager
	disp  *fakeDispatcher
	dir   *directory.Static
	sink  *memSink
	hist  *classify.History
	supp  *suppress.Engine
	clock time.Time
}

func newFixture(t *testing.T, assigned bool) *fixture {
	t.Helper()
	cfg := config.Default()
	f := &fixture{
		disp: &fakeDispatcher{},
		dir: directory.NewStatic([]config.InstitutionDef{{
			ID:       "uni-1",
			Referees: []config.RecipientDef{{ID: "ref-1"}, {ID: "ref-2"}},
		}}),
		sink:  &memSink{},
		hist:  classify.NewHistory(time.Hour),
		supp:  suppress.New(cfg.Suppression),
		clock: t0,
	}
	if assigned {
		require.NoError(t, f.dir.Assign(context.Background(), "hall-1", directory.Recipient{ID: "inv-1"}))
	}
	f.mgr = alert.NewManager(alert.Options{
		SessionID:   "hall-1",
		Institution: "uni-1",
		Directory:   f.dir,
		Dispatcher:  f.disp,
		Sink:        f.sink,
		Suppression: f.supp,
		History:     f.hist,
		Clock:       func() time.Time { return f.clock },
	})
	return f
}

var seq uint64

func single(kind detection.Kind, row, seat int, at time.Time) detection.Target {
	seq++
	ev := &detection.Event{
		ID:         fmt.Sprintf("e%d", seq),
		SessionID:  "hall-1",
		DeviceID:   "mic-1",
		Kind:       kind,
		Locator:    detection.Locator{Row: row, Seat: seat},
		Severity:   detection.SeverityLow,
		Confidence: 0.7,
		OccurredAt: at,
		Seq:        seq,
	}
	return detection.EventTarget(ev)
}

var tier1 = classify.Decision{Tier: classify.Tier1, RuleID: classify.DefaultRuleID}

func TestNext_TransitionTable(t *testing.T) {
	tests := []struct {
		from   alert.State
		action alert.Action
		to     alert.State
		ok     bool
	}{
		{alert.StatePending, alert.ActionAcknowledge, alert.StateAcknowledged, true},
		{alert.StatePending, alert.ActionEscalate, alert.StateEscalated, true},
		{alert.StatePending, alert.ActionFalsePositive, alert.StateFalsePositive, true},
		{alert.StatePending, alert.ActionResolve, alert.StatePending, false},
		{alert.StateAcknowledged, alert.ActionResolve, alert.StateResolved, true},
		{alert.StateAcknowledged, alert.ActionEscalate, alert.StateEscalated, true},
		{alert.StateAcknowledged, alert.ActionFalsePositive, alert.StateFalsePositive, true},
		{alert.StateAcknowledged, alert.ActionAcknowledge, alert.StateAcknowledged, false},
		{alert.StateEscalated, alert.ActionResolve, alert.StateResolved, true},
		{alert.StateEscalated, alert.ActionFalsePositive, alert.StateFalsePositive, true},
		{alert.StateEscalated, alert.ActionAcknowledge, alert.StateEscalated, false},
		{alert.StateEscalated, alert.ActionEscalate, alert.StateEscalated, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.from, tt.action), func(t *testing.T) {
			got, err := alert.Next(tt.from, tt.action)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, alert.ErrInvalidTransition)
			}
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestNext_TerminalStatesAreStable(t *testing.T) {
	actions := []alert.Action{alert.ActionAcknowledge, alert.ActionEscalate, alert.ActionResolve, alert.ActionFalsePositive}
	for _, s := range []alert.State{alert.StateResolved, alert.StateFalsePositive} {
		assert.True(t, s.Terminal())
		for _, a := range actions {
			_, err := alert.Next(s, a)
			assert.ErrorIs(t, err, alert.ErrInvalidTransition, "%s/%s", s, a)
		}
	}
}

func TestCreate_DispatchesToAssignee(t *testing.T) {
	f := newFixture(t, true)
	a, err := f.mgr.Create(context.Background(), single(detection.KindHeadPose, 1, 1, t0), tier1)
	require.NoError(t, err)

	assert.Equal(t, alert.StatePending, a.State)
	assert.Equal(t, "inv-1", a.Assignee)
	assert.NotEmpty(t, a.EventID)
	assert.Empty(t, a.GroupID)
	assert.False(t, a.Muted)
	assert.Equal(t, []dispatchCall{{AlertID: a.ID, Tier: classify.Tier1, Assignee: "inv-1"}}, f.disp.calls)
	assert.Equal(t, 1, f.sink.count(audit.TypeAlertCreated))
}

func TestCreate_GroupReferencesOnlyGroup(t *testing.T) {
	f := newFixture(t, true)
	g := &detection.Group{ID: "hall-1-g000001", SessionID: "hall-1"}
	g.Add(single(detection.KindHeadPose, 1, 1, t0).Event)
	g.Add(single(detection.KindHeadPose, 1, 2, t0).Event)

	a, err := f.mgr.Create(context.Background(), detection.GroupTarget(g), classify.Decision{Tier: classify.Tier2, RuleID: "grouped"})
	require.NoError(t, err)
	assert.Equal(t, "hall-1-g000001", a.GroupID)
	assert.Empty(t, a.EventID)
	assert.True(t, a.Grouped())
	assert.Len(t, a.Locators, 2)

	_, err = f.mgr.Create(context.Background(), detection.Target{}, tier1)
	assert.Error(t, err)
	_, err = f.mgr.Create(context.Background(), detection.Target{Event: g.Members[0], Group: g}, tier1)
	assert.Error(t, err)
}

func TestCreate_NoResponsiblePartyDefersDispatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a, err := f.mgr.Create(ctx, single(detection.KindMovement, 2, 2, t0), tier1)
	require.ErrorIs(t, err, alert.ErrNoResponsibleParty)
	require.NotNil(t, a)
	assert.True(t, a.Deferred)
	assert.Empty(t, f.disp.calls)
	assert.Equal(t, 1, f.mgr.Deferred())

	stored, err := f.mgr.Ledger.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatePending, stored.State)

	assert.Zero(t, f.mgr.RetryDeferred(ctx))

	require.NoError(t, f.dir.Assign(ctx, "hall-1", directory.Recipient{ID: "inv-2"}))
	assert.Equal(t, 1, f.mgr.RetryDeferred(ctx))
	assert.Zero(t, f.mgr.Deferred())
	require.Len(t, f.disp.calls, 1)
	assert.Equal(t, "inv-2", f.disp.calls[0].Assignee)

	stored, err = f.mgr.Ledger.Get(a.ID)
	require.NoError(t, err)
	assert.False(t, stored.Deferred)
}

func TestCreate_DispatcherBusyIsRetried(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.disp.err = errors.New("queue full")

	a, err := f.mgr.Create(ctx, single(detection.KindMovement, 2, 2, t0), tier1)
	require.NoError(t, err)
	assert.True(t, a.Deferred)

	f.disp.err = nil
	assert.Equal(t, 1, f.mgr.RetryDeferred(ctx))
	assert.Len(t, f.disp.calls, 1)
}

func TestTransition_RecordsActorAndStampsResolution(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, err := f.mgr.Create(ctx, single(detection.KindHeadPose, 1, 1, t0), tier1)
	require.NoError(t, err)

	f.clock = t0.Add(10 * time.Second)
	a, err = f.mgr.Transition(ctx, a.ID, alert.ActionAcknowledge, "inv-1", "")
	require.NoError(t, err)
	assert.Equal(t, alert.StateAcknowledged, a.State)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Nil(t, a.ResolvedAt)

	f.clock = t0.Add(time.Minute)
	a, err = f.mgr.Transition(ctx, a.ID, alert.ActionResolve, "inv-1", "spoke to student")
	require.NoError(t, err)
	assert.Equal(t, alert.StateResolved, a.State)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, t0.Add(time.Minute), *a.ResolvedAt)
	assert.Contains(t, a.Notes, "spoke to student")
	require.Len(t, a.History, 2)
	assert.Equal(t, alert.Transition{
		From: alert.StateAcknowledged, To: alert.StateResolved, Action: alert.ActionResolve,
		Actor: "inv-1", Notes: "spoke to student", At: t0.Add(time.Minute),
	}, a.History[1])
	assert.Equal(t, 2, f.sink.count(audit.TypeTransition))

	for _, act := range []alert.Action{alert.ActionAcknowledge, alert.ActionEscalate, alert.ActionResolve, alert.ActionFalsePositive} {
		_, err := f.mgr.Transition(ctx, a.ID, act, "inv-1", "")
		assert.ErrorIs(t, err, alert.ErrInvalidTransition)
	}
	stored, err := f.mgr.Ledger.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.StateResolved, stored.State)
	assert.Len(t, stored.History, 2)

	_, err = f.mgr.Transition(ctx, "nope", alert.ActionAcknowledge, "inv-1", "")
	assert.ErrorIs(t, err, alert.ErrUnknownAlert)
}

func TestTransition_EscalateAttachesReferees(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	a, err := f.mgr.Create(ctx, single(detection.KindHeadPose, 1, 1, t0), tier1)
	require.NoError(t, err)

	a, err = f.mgr.Transition(ctx, a.ID, alert.ActionEscalate, "inv-1", "needs a second pair of eyes")
	require.NoError(t, err)
	assert.Equal(t, alert.StateEscalated, a.State)
	assert.Equal(t, []string{"ref-1", "ref-2"}, a.EscalatedTo)
	assert.Equal(t, classify.Tier2, a.Tier)
	require.NotNil(t, a.EscalatedAt)

	require.Len(t, f.disp.calls, 2)
	assert.Equal(t, classify.Tier2, f.disp.calls[1].Tier)
}

func TestTransition_ClosingSuppressesRepeats(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	first := single(detection.KindAudioSpike, 3, 3, t0)
	f.hist.Record(first.Event)

	a, err := f.mgr.Create(ctx, first, tier1)
	require.NoError(t, err)
	_, err = f.mgr.Transition(ctx, a.ID, alert.ActionAcknowledge, "inv-1", "")
	require.NoError(t, err)
	_, err = f.mgr.Transition(ctx, a.ID, alert.ActionResolve, "inv-1", "")
	require.NoError(t, err)
	assert.Equal(t, classify.OutcomeResolved, f.hist.OutcomeOf(first.Event.ID))

	muted, err := f.mgr.Create(ctx, single(detection.KindAudioSpike, 3, 3, t0.Add(4*time.Minute)), tier1)
	require.NoError(t, err)
	assert.True(t, muted.Muted)
	assert.Equal(t, alert.StatePending, muted.State)
	require.Len(t, muted.Notes, 1)
	assert.Contains(t, muted.Notes[0], "muted")

	normal, err := f.mgr.Create(ctx, single(detection.KindAudioSpike, 3, 3, t0.Add(6*time.Minute)), tier1)
	require.NoError(t, err)
	assert.False(t, normal.Muted)

	require.Len(t, f.disp.calls, 2)
	assert.Equal(t, a.ID, f.disp.calls[0].AlertID)
	assert.Equal(t, normal.ID, f.disp.calls[1].AlertID)
	assert.Equal(t, 3, f.mgr.Ledger.Len())
}

func TestTransition_BreakerAdvisesAdminOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for i := range 15 {
		f.clock = t0.Add(time.Duration(i) * 2 * time.Minute)
		a, err := f.mgr.Create(ctx, single(detection.KindMovement, 1, i+1, f.clock), tier1)
		require.NoError(t, err)
		_, err = f.mgr.Transition(ctx, a.ID, alert.ActionFalsePositive, "inv-1", "")
		require.NoError(t, err)
	}

	require.Len(t, f.disp.advisories, 1)
	adv := f.disp.advisories[0]
	assert.Equal(t, "hall-1", adv.SessionID)
	assert.Equal(t, 11, adv.FalsePositives)
	assert.Equal(t, t0.Add(20*time.Minute), adv.At)
	assert.True(t, f.supp.Reduced())
	assert.Equal(t, 1, f.sink.count(audit.TypeAdvisory))
}
