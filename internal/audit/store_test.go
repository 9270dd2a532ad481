package audit_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
)

func openStore(t *testing.T) *audit.Store {
	t.Helper()
	s, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Append(ctx, audit.Record{SessionID: "hall-1", Type: audit.TypeDetection, RefID: "e1", Payload: map[string]any{"kind": "head_pose"}}))
	require.NoError(t, s.Append(ctx, audit.Record{SessionID: "hall-1", Type: audit.TypeAlertCreated, RefID: "a1"}))
	require.NoError(t, s.Append(ctx, audit.Record{SessionID: "hall-2", Type: audit.TypeDetection, RefID: "e9"}))

	all, err := s.Entries(ctx, "hall-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e1", all[0].RefID)
	assert.False(t, all[0].RecordedAt.IsZero())

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(all[0].Payload), &payload))
	assert.Equal(t, "head_pose", payload["kind"])

	detections, err := s.Entries(ctx, "hall-1", audit.TypeDetection)
	require.NoError(t, err)
	assert.Len(t, detections, 1)
}

func TestStore_PostIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	card := audit.Delivery{AlertID: "a1", Tier: "tier_1", RecipientID: "inv-1", SessionID: "hall-1", Title: "head_pose r1s1"}
	created, err := s.Post(ctx, card)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Post(ctx, card)
	require.NoError(t, err)
	assert.False(t, created)

	card.Tier = "tier_2"
	created, err = s.Post(ctx, card)
	require.NoError(t, err)
	assert.True(t, created)

	feed, err := s.Feed(ctx, "inv-1", 10)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "tier_2", feed[0].Tier)

	empty, err := s.Feed(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
