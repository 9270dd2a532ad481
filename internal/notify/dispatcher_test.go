package notify_test

import (
	"context"
	"errors"
	"sort"
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
	"github.com/gyaneshwarpardhi/hallwatch/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// recorder is a channel that records deliveries and can fail the first N sends.
type recorder struct {
	name  string
	mu    sync.Mutex
	sent  []notify.Message
	fails int
	tries int
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tries++
	if r.fails < 0 || r.tries <= r.fails {
		return errors.New("wearable unreachable")
	}
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) recipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		out = append(out, m.RecipientID)
	}
	sort.Strings(out)
	return out
}

type fixture struct {
	disp     *notify.Dispatcher
	store    *audit.Store
	channels map[string]*recorder
}

func newFixture(t *testing.T, failing map[string]int) *fixture {
	t.Helper()
	store, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := notify.NewRegistry()
	reg.Register(notify.NewDashboardChannel(store))
	f := &fixture{store: store, channels: map[string]*recorder{}}
	for _, name := range []string{notify.ChannelSilentHaptic, notify.ChannelHaptic, notify.ChannelAudio, notify.ChannelAdmin} {
		r := &recorder{name: name, fails: failing[name]}
		f.channels[name] = r
		reg.Register(r)
	}

	dir := directory.NewStatic([]config.InstitutionDef{{
		ID:       "uni-1",
		Referees: []config.RecipientDef{{ID: "ref-1"}, {ID: "ref-2"}},
		Admins:   []config.RecipientDef{{ID: "adm-1"}},
	}})
	conf := config.Default().Dispatch
	conf.Workers = 2
	conf.InitialBackoff = time.Millisecond
	conf.MaxBackoff = 2 * time.Millisecond
	conf.AttemptTimeout = time.Second

	f.disp = notify.NewDispatcher(context.Background(), reg, dir, conf, nil)
	t.Cleanup(f.disp.Drain)
	return f
}

func testAlert(tier classify.Tier) *alert.Alert {
	return &alert.Alert{
		ID:          "alert-1",
		SessionID:   "hall-1",
		Institution: "uni-1",
		EventID:     "e1",
		Kind:        "head_pose",
		Severity:    detection.SeverityLow,
		Locators:    []detection.Locator{{Row: 3, Seat: 4}},
		Tier:        tier,
		RuleID:      "default",
		State:       alert.StatePending,
		Assignee:    "inv-1",
		TriggeredAt: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatch_Tier1GoesToInvigilatorOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.disp.Dispatch(ctx, testAlert(classify.Tier1), classify.Tier1))
	f.disp.Drain()

	assert.Equal(t, []string{"inv-1"}, f.channels[notify.ChannelSilentHaptic].recipients())
	assert.Empty(t, f.channels[notify.ChannelHaptic].recipients())
	assert.Empty(t, f.channels[notify.ChannelAudio].recipients())

	feed, err := f.store.Feed(ctx, "inv-1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, "tier_1", feed[0].Tier)
	assert.Contains(t, feed[0].Title, "r3s4")
}

func TestDispatch_Tier2AddsReferees(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.disp.Dispatch(ctx, testAlert(classify.Tier2), classify.Tier2))
	f.disp.Drain()

	assert.Equal(t, []string{"inv-1"}, f.channels[notify.ChannelHaptic].recipients())
	assert.Equal(t, []string{"inv-1", "ref-1", "ref-2"}, f.channels[notify.ChannelAudio].recipients())
	assert.Empty(t, f.channels[notify.ChannelSilentHaptic].recipients())

	for _, who := range []string{"inv-1", "ref-1", "ref-2"} {
		feed, err := f.store.Feed(ctx, who, 10)
		require.NoError(t, err)
		assert.Len(t, feed, 1, who)
	}
}

func TestDispatch_EscalatedAlertUsesRecordedReferees(t *testing.T) {
	f := newFixture(t, nil)
	a := testAlert(classify.Tier2)
	a.EscalatedTo = []string{"ref-9"}
	a.Assignee = ""
	require.NoError(t, f.disp.Dispatch(context.Background(), a, classify.Tier2))
	f.disp.Drain()

	assert.Equal(t, []string{"ref-9"}, f.channels[notify.ChannelAudio].recipients())
	assert.Empty(t, f.channels[notify.ChannelHaptic].recipients())
}

func TestDispatch_IsIdempotentPerAlertAndTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := testAlert(classify.Tier1)
	for range 3 {
		require.NoError(t, f.disp.Dispatch(ctx, a, classify.Tier1))
	}
	require.NoError(t, f.disp.Dispatch(ctx, a, classify.Tier2))
	f.disp.Drain()

	assert.Len(t, f.channels[notify.ChannelSilentHaptic].recipients(), 1)
	assert.Len(t, f.channels[notify.ChannelHaptic].recipients(), 1)

	feed, err := f.store.Feed(ctx, "inv-1", 10)
	require.NoError(t, err)
	assert.Len(t, feed, 2)
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, map[string]int{notify.ChannelSilentHaptic: 2})
	require.NoError(t, f.disp.Dispatch(context.Background(), testAlert(classify.Tier1), classify.Tier1))
	f.disp.Drain()

	r := f.channels[notify.ChannelSilentHaptic]
	assert.Equal(t, 3, r.tries)
	assert.Len(t, r.sent, 1)
}

func TestDispatch_ExhaustedChannelKeepsDashboard(t *testing.T) {
	f := newFixture(t, map[string]int{notify.ChannelHaptic: -1})
	ctx := context.Background()
	require.NoError(t, f.disp.Dispatch(ctx, testAlert(classify.Tier2), classify.Tier2))
	f.disp.Drain()

	assert.Equal(t, 3, f.channels[notify.ChannelHaptic].tries)
	assert.Empty(t, f.channels[notify.ChannelHaptic].sent)
	// Later channels for the same recipient still go out.
	assert.Contains(t, f.channels[notify.ChannelAudio].recipients(), "inv-1")

	feed, err := f.store.Feed(ctx, "inv-1", 10)
	require.NoError(t, err)
	assert.Len(t, feed, 1)
}

func TestAdvise_ReachesAdmins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	err := f.disp.Advise(ctx, alert.Advisory{
		SessionID:      "hall-1",
		Institution:    "uni-1",
		FalsePositives: 11,
		Message:        "session hall-1 switched to reduced sensitivity after 11 false positives",
		At:             time.Now(),
	})
	require.NoError(t, err)
	f.disp.Drain()

	feed, err := f.store.Feed(ctx, "adm-1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, "advisory:hall-1", feed[0].AlertID)

	admin := f.channels[notify.ChannelAdmin]
	require.Len(t, admin.sent, 1)
	assert.Contains(t, admin.sent[0].Body, "reduced sensitivity")

	invFeed, err := f.store.Feed(ctx, "inv-1", 10)
	require.NoError(t, err)
	assert.Empty(t, invFeed)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	reg := notify.NewRegistry()
	reg.Register(notify.NewLogChannel(notify.ChannelAudio, nil))
	assert.Panics(t, func() { reg.Register(notify.NewLogChannel(notify.ChannelAudio, nil)) })
	assert.Equal(t, []string{notify.ChannelAudio}, reg.Names())
	_, err := reg.Get(notify.ChannelHaptic)
	assert.Error(t, err)
}
