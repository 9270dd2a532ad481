package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/hallwatch/internal/detection"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

func submitCmd() *cobra.Command {
	var (
		ev       detection.Event
		kind     string
		severity string
		duration float64
	)
	cmd := &cobra.Command{
		Use:   "submit SESSION",
		Short: "Submit one detection event stamped now",
		Long: `Submit one detection event to a session, timestamped with the local clock.

Examples:
  hallctl submit hall-1 --kind head_pose --row 3 --seat 4 --device cam-3
  hallctl submit hall-1 --kind audio_spike --row 2 --seat 7 --severity high`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.SessionID = args[0]
			ev.Kind = detection.Kind(kind)
			ev.Severity = detection.Severity(severity)
			ev.OccurredAt = time.Now()
			if duration > 0 {
				ev.Attributes = map[string]any{"duration": duration}
			}
			acc, err := submit(cmd.Context(), newClient(), &ev)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(cmd.OutOrStdout(), acc)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %s as #%d", acc.EventID, acc.Seq)
			if acc.GroupID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (group %s)", acc.GroupID)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", string(detection.KindHeadPose), "Behaviour kind")
	f.StringVar(&severity, "severity", string(detection.SeverityLow), "Severity hint: low, medium, high")
	f.StringVar(&ev.DeviceID, "device", "hallctl", "Reporting device id")
	f.IntVar(&ev.Locator.Row, "row", 0, "Seat row (1-based)")
	f.IntVar(&ev.Locator.Seat, "seat", 0, "Seat number (1-based)")
	f.Float64Var(&ev.Confidence, "confidence", 1, "Analyzer confidence in [0,1]")
	f.Float64Var(&duration, "duration", 0, "Behaviour duration in seconds")
	_ = cmd.MarkFlagRequired("row")
	_ = cmd.MarkFlagRequired("seat")
	return cmd
}

func submit(ctx context.Context, c *client, ev *detection.Event) (session.Accepted, error) {
	var acc session.Accepted
	path := "/v1/sessions/" + url.PathEscape(ev.SessionID) + "/events"
	err := c.do(ctx, http.MethodPost, path, ev, &acc)
	return acc, err
}

func replayCmd() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "replay SESSION FILE",
		Short: "Replay recorded detection events into a session",
		Long: `Replay a JSON-lines recording of detection events into a session.

Timestamps are shifted so the first event happens now, and events are sent
at their original pace so correlation windows behave as they did live.
Blank lines and lines starting with # are skipped. Use - to read stdin.

Examples:
  hallctl replay hall-1 exam-2026-06-01.jsonl
  cat events.jsonl | hallctl replay hall-1 -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			r := &replayer{
				client:  newClient(),
				session: args[0],
				retime:  !keep,
				now:     time.Now,
				sleep:   sleepCtx,
				out:     cmd.ErrOrStderr(),
			}
			st, err := r.run(cmd.Context(), in)
			if err != nil {
				return err
			}
			if outputFmt == "json" {
				return printJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events: %d accepted, %d duplicate, %d rejected\n",
				st.Total, st.Accepted, st.Duplicate, st.Rejected)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keep, "keep-timestamps", false, "Send recorded timestamps unchanged and without pacing")
	return cmd
}

type replayStats struct {
	Total     int `json:"total"`
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
}

type replayer struct {
	client  *client
	session string
	retime  bool
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	out     io.Writer
}

func (r *replayer) run(ctx context.Context, in io.Reader) (replayStats, error) {
	var (
		st     replayStats
		offset time.Duration
		first  = true
		line   = 0
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev detection.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return st, fmt.Errorf("line %d: %w", line, err)
		}
		ev.SessionID = r.session
		ev.Seq, ev.ReceivedAt = 0, time.Time{}

		if r.retime {
			if first {
				offset = r.now().Sub(ev.OccurredAt)
				first = false
			}
			ev.OccurredAt = ev.OccurredAt.Add(offset)
			if wait := ev.OccurredAt.Sub(r.now()); wait > 0 {
				if err := r.sleep(ctx, wait); err != nil {
					return st, err
				}
			}
		}

		st.Total++
		_, err := submit(ctx, r.client, &ev)
		var ae *apiError
		switch {
		case err == nil:
			st.Accepted++
		case errors.As(err, &ae) && ae.Status == http.StatusConflict:
			st.Duplicate++
		case errors.As(err, &ae) && ae.Status < 500:
			st.Rejected++
			fmt.Fprintf(r.out, "line %d: %s\n", line, ae.Message)
		default:
			return st, fmt.Errorf("line %d: %w", line, err)
		}
	}
	return st, sc.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
