package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/hallwatch/internal/directory"
	"github.com/gyaneshwarpardhi/hallwatch/internal/session"
)

func startCmd() *cobra.Command {
	var institution, invigilator string
	cmd := &cobra.Command{
		Use:   "start SESSION",
		Short: "Start an exam session",
		Long: `Start an exam session and optionally assign its invigilator.

Examples:
  hallctl start hall-1 --institution uni-1 --invigilator inv-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := session.Spec{ID: args[0], Institution: institution}
			if invigilator != "" {
				spec.Invigilator = &directory.Recipient{ID: invigilator}
			}
			var info session.Info
			if err := newClient().do(cmd.Context(), http.MethodPost, "/v1/sessions", spec, &info); err != nil {
				return err
			}
			return printInfo(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVarP(&institution, "institution", "i", "", "Institution the session belongs to")
	cmd.Flags().StringVar(&invigilator, "invigilator", "", "Invigilator to assign right away")
	return cmd
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end SESSION",
		Short: "End a session, flushing open groups into alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info session.Info
			if err := newClient().do(cmd.Context(), http.MethodDelete, "/v1/sessions/"+url.PathEscape(args[0]), nil, &info); err != nil {
				return err
			}
			return printInfo(cmd.OutOrStdout(), info)
		},
	}
}

func assignCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "assign SESSION INVIGILATOR",
		Short: "Assign the responsible invigilator of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := directory.Recipient{ID: args[1], Name: name}
			path := "/v1/sessions/" + url.PathEscape(args[0]) + "/invigilator"
			if err := newClient().do(cmd.Context(), http.MethodPut, path, rec, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s now invigilates %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}
