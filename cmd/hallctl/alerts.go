package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/hallwatch/internal/alert"
	"github.com/gyaneshwarpardhi/hallwatch/internal/audit"
)

func alertsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "alerts SESSION",
		Short: "List the alerts of a session",
		Long: `List the alerts of a live or ended session in creation order.
Closed alerts are hidden unless --all is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Alerts []*alert.Alert `json:"alerts"`
			}
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/alerts"
			if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			list := resp.Alerts
			if !all {
				open := list[:0]
				for _, a := range list {
					if !a.State.Terminal() {
						open = append(open, a)
					}
				}
				list = open
			}
			return printAlerts(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include resolved and false-positive alerts")
	return cmd
}

// transitionCmds builds one command per human action.
func transitionCmds() []*cobra.Command {
	defs := []struct {
		use    string
		action alert.Action
		short  string
	}{
		{"ack", alert.ActionAcknowledge, "Acknowledge an alert"},
		{"escalate", alert.ActionEscalate, "Escalate an alert to the institution's referees"},
		{"resolve", alert.ActionResolve, "Resolve an acknowledged or escalated alert"},
		{"false-positive", alert.ActionFalsePositive, "Close an alert as a false positive"},
	}
	cmds := make([]*cobra.Command, 0, len(defs))
	for _, d := range defs {
		var actor, notes string
		cmd := &cobra.Command{
			Use:   d.use + " ALERT",
			Short: d.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				body := map[string]string{"action": string(d.action), "actor": actor, "notes": notes}
				var a alert.Alert
				path := "/v1/alerts/" + url.PathEscape(args[0]) + "/transitions"
				if err := newClient().do(cmd.Context(), http.MethodPost, path, body, &a); err != nil {
					return err
				}
				if outputFmt == "json" {
					return printJSON(cmd.OutOrStdout(), a)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "alert %s is now %s\n", a.ID, a.State)
				return nil
			},
		}
		cmd.Flags().StringVar(&actor, "actor", "", "Who is acting (required)")
		cmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")
		_ = cmd.MarkFlagRequired("actor")
		cmds = append(cmds, cmd)
	}
	return cmds
}

func feedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "feed RECIPIENT",
		Short: "Show a recipient's dashboard cards, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cards []audit.Delivery `json:"cards"`
			}
			path := fmt.Sprintf("/v1/recipients/%s/feed?limit=%d", url.PathEscape(args[0]), limit)
			if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			return printFeed(cmd.OutOrStdout(), resp.Cards)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of cards")
	return cmd
}
