package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
)

// ShoutrrrChannel pushes admin notices to the services configured as
// shoutrrr URLs (Slack, Teams, e-mail...).
type ShoutrrrChannel struct {
	sender *router.ServiceRouter
}

func NewShoutrrrChannel(conf config.ShoutrrrConf) (*ShoutrrrChannel, error) {
	if len(conf.URLs) == 0 {
		return nil, errors.New("shoutrrr: at least one URL is required")
	}
	sender, err := shoutrrr.CreateSender(slices.Clone(conf.URLs)...)
	if err != nil {
		// Do not echo URLs back; they carry tokens.
		return nil, fmt.Errorf("shoutrrr: invalid service URL configuration")
	}
	if conf.Timeout > 0 {
		sender.Timeout = conf.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrChannel{sender: sender}, nil
}

func (c *ShoutrrrChannel) Name() string { return ChannelAdmin }

func (c *ShoutrrrChannel) Send(ctx context.Context, m Message) error {
	params := types.Params{}
	if m.Title != "" {
		params.SetTitle(m.Title)
	}
	done := make(chan error, 1)
	go func() {
		done <- errors.Join(c.sender.Send(m.Body, &params)...)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shoutrrr send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
