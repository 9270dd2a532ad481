package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printInfo(w io.Writer, info session.Info) error {
	if outputFmt == "json" {
		return printJSON(w, info)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SESSION\t%s\n", info.ID)
	fmt.Fprintf(tw, "INSTITUTION\t%s\n", info.Institution)
	fmt.Fprintf(tw, "STARTED\t%s\n", info.StartedAt.Format(time.RFC3339))
	if !info.EndedAt.IsZero() {
		fmt.Fprintf(tw, "ENDED\t%s\n", info.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "EVENTS\t%d\n", info.Events)
	fmt.Fprintf(tw, "ALERTS\t%d\n", info.Alerts)
	if info.Reduced {
		fmt.Fprintf(tw, "SENSITIVITY\treduced\n")
	}
	return tw.Flush()
}

func printAlerts(w io.Writer, alerts []*alert.Alert) error {
	if outputFmt == "json" {
		return printJSON(w, alerts)
	}
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tSTATE\tKIND\tSEATS\tTRIGGERED\tASSIGNEE\tFLAGS")
	for _, a := range alerts {
		seats := make([]string, 0, len(a.Locators))
		for _, l := range a.Locators {
			seats = append(seats, l.String())
		}
		var flags []string
		if a.Muted {
			flags = append(flags, "muted")
		}
		if a.Deferred {
			flags = append(flags, "deferred")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Tier, a.State, a.Kind, strings.Join(seats, ","),
			a.TriggeredAt.Format(time.TimeOnly), dash(a.Assignee), dash(strings.Join(flags, ",")))
	}
	return tw.Flush()
}

func printFeed(w io.Writer, cards []audit.Delivery) error {
	if outputFmt == "json" {
		return printJSON(w, cards)
	}
	if len(cards) == 0 {
		fmt.Fprintln(w, "No cards.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTIER\tSESSION\tTITLE")
	for _, c := range cards {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.CreatedAt.Format(time.TimeOnly), dash(c.Tier), c.SessionID, c.Title)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
