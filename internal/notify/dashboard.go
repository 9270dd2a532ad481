package notify

import (
	"context"

	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
)

// Board persists dashboard cards. audit.Store implements it.
type Board interface {
	Post(ctx context.Context, d audit.Delivery) (bool, error)
}

// DashboardChannel is the always-available channel of record: a card that
// stays visible whatever happens to wearable delivery.
type DashboardChannel struct {
	board Board
}

func NewDashboardChannel(b Board) *DashboardChannel { return &DashboardChannel{board: b} }

func (c *DashboardChannel) Name() string { return ChannelDashboard }

func (c *DashboardChannel) Send(ctx context.Context, m Message) error {
	_, err := c.board.Post(ctx, audit.Delivery{
		AlertID:     m.AlertID,
		Tier:        m.Tier,
		RecipientID: m.RecipientID,
		SessionID:   m.SessionID,
		Role:        m.Role,
		Title:       m.Title,
		Body:        m.Body,
		CreatedAt:   m.At,
	})
	return err
}
