package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type deliveryView struct {
	ID                string `json:"id"`
	TemplateCode      string `json:"template_code"`
	Version           int    `json:"version"`
	SubscriberSiteURL string `json:"subscriber_site_url"`
	Status            string `json:"status"`
	Attempts          int    `json:"attempts"`
	LastError         string `json:"last_error,omitempty"`
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "Inspect the propagation queue",
}

var deliveriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("subscriber"); v != "" {
			q.Set("subscriber", v)
		}
		if v, _ := cmd.Flags().GetString("template"); v != "" {
			q.Set("template", v)
		}
		if v, _ := cmd.Flags().GetString("status"); v != "" {
			q.Set("status", v)
		}
		path := "/api/v1/propagation/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp struct {
			Items []deliveryView `json:"items"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		if outputFmt != "table" {
			return emit(resp.Items)
		}
		tbl := newTable("id", "template", "version", "subscriber", "status", "attempts", "last error")
		for _, d := range resp.Items {
			tbl.row(d.ID, d.TemplateCode, strconv.Itoa(d.Version),
				d.SubscriberSiteURL, d.Status, strconv.Itoa(d.Attempts), d.LastError)
		}
		tbl.flush()
		return nil
	},
}

var deliveriesRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Reset a failed delivery for another round of attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d deliveryView
		err := newClient().postJSON("/api/v1/propagation/deliveries/"+args[0]+"/requeue", nil, &d)
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", d.ID, d.Status)
		return nil
	},
}

func init() {
	deliveriesListCmd.Flags().String("subscriber", "", "Filter by subscriber site URL")
	deliveriesListCmd.Flags().String("template", "", "Filter by template code")
	deliveriesListCmd.Flags().String("status", "", "Filter by status")

	deliveriesCmd.AddCommand(deliveriesListCmd)
	deliveriesCmd.AddCommand(deliveriesRequeueCmd)
}
