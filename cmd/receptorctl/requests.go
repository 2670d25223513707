package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type requestView struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	State            string `json:"state"`
	SubmitterSiteURL string `json:"submitter_site_url"`
	RejectionReason  string `json:"rejection_reason,omitempty"`
	ExportedEntryID  string `json:"exported_entry_id,omitempty"`
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Manage contribution requests",
}

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contribution requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		path := "/api/v1/requests/"
		if state != "" {
			path += "?state=" + url.QueryEscape(state)
		}
		var resp struct {
			Items []requestView `json:"items"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		if outputFmt != "table" {
			return emit(resp.Items)
		}
		tbl := newTable("id", "title", "state", "submitter")
		for _, r := range resp.Items {
			tbl.row(r.ID, r.Title, r.State, r.SubmitterSiteURL)
		}
		tbl.flush()
		return nil
	},
}

var requestsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req map[string]any
		if err := newClient().getJSON("/api/v1/requests/"+args[0], &req); err != nil {
			return err
		}
		return emit(req)
	},
}

var requestsPreviewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Summarize a request's template payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var preview map[string]any
		if err := newClient().getJSON("/api/v1/requests/"+args[0]+"/preview", &preview); err != nil {
			return err
		}
		return emit(preview)
	},
}

var requestsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a request's lifecycle log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []struct {
				FromState string `json:"from_state"`
				ToState   string `json:"to_state"`
				Action    string `json:"action"`
				Actor     string `json:"actor"`
				Reason    string `json:"reason"`
			} `json:"items"`
		}
		if err := newClient().getJSON("/api/v1/requests/"+args[0]+"/transitions", &resp); err != nil {
			return err
		}
		tbl := newTable("action", "from", "to", "actor", "reason")
		for _, tr := range resp.Items {
			tbl.row(tr.Action, tr.FromState, tr.ToState, tr.Actor, tr.Reason)
		}
		tbl.flush()
		return nil
	},
}

func newActionCommand(action, short string, needsReason bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			if needsReason {
				reason, _ := cmd.Flags().GetString("reason")
				body["reason"] = reason
			}
			var resp struct {
				Request requestView `json:"request"`
			}
			err := newClient().postJSON("/api/v1/requests/"+args[0]+"/actions/"+action, body, &resp)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", resp.Request.ID, resp.Request.State)
			return nil
		},
	}
	if needsReason {
		cmd.Flags().String("reason", "", "Reason recorded in the lifecycle log")
	}
	return cmd
}

func init() {
	requestsListCmd.Flags().String("state", "", "Filter by lifecycle state")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsGetCmd)
	requestsCmd.AddCommand(requestsPreviewCmd)
	requestsCmd.AddCommand(requestsHistoryCmd)
	requestsCmd.AddCommand(newActionCommand("review", "Move a submitted request under review", false))
	requestsCmd.AddCommand(newActionCommand("approve", "Approve a request and mint the registry version", false))
	requestsCmd.AddCommand(newActionCommand("reject", "Reject a request under review", true))
	requestsCmd.AddCommand(newActionCommand("integrate", "Mark an approved request integrated", false))
}
