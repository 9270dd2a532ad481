// Package notify fans alerts out to recipients over their channels: the
// persisted dashboard first, then wearable haptic/audio and admin push.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrChannelFailure wraps a delivery that exhausted its attempts.
var ErrChannelFailure = errors.New("notification channel failure")

// Channel names.
const (
	ChannelDashboard    = "dashboard"
	ChannelSilentHaptic = "silent_haptic"
	ChannelHaptic       = "haptic"
	ChannelAudio        = "audio"
	ChannelAdmin        = "admin"
)

// Message is one delivery to one recipient on one channel.
type Message struct {
	AlertID     string    `json:"alert_id"`
	SessionID   string    `json:"session_id"`
	Tier        string    `json:"tier,omitempty"`
	RecipientID string    `json:"recipient_id"`
	Role        string    `json:"role"`
	Channel     string    `json:"channel"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	At          time.Time `json:"at"`
}

func (m Message) key() string {
	return m.AlertID + "|" + m.Tier + "|" + m.RecipientID + "|" + m.Channel
}

// Channel is a delivery transport. Send must honour ctx.
type Channel interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// Registry maps channel names to transports.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds a channel. Panics on duplicate name to surface misconfiguration early.
func (r *Registry) Register(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[c.Name()]; exists {
		panic(fmt.Sprintf("notify registry: duplicate channel %q", c.Name()))
	}
	r.channels[c.Name()] = c
}

func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("no channel registered as %q", name)
	}
	return c, nil
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// LogChannel stands in for a transport that is not configured: it only logs.
type LogChannel struct {
	name string
	log  *slog.Logger
}

func NewLogChannel(name string, log *slog.Logger) *LogChannel {
	if log == nil {
		log = slog.Default()
	}
	return &LogChannel{name: name, log: log.With("channel", name)}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, m Message) error {
	c.log.Info("notification", "alert", m.AlertID, "recipient", m.RecipientID, "title", m.Title)
	return nil
}
