package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

type siteView struct {
	ID           string `json:"id"`
	SiteURL      string `json:"site_url"`
	CompanyName  string `json:"company_name"`
	KeyPrefix    string `json:"key_prefix"`
	IsActive     bool   `json:"is_active"`
	IsSubscriber bool   `json:"is_subscriber"`
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage the site registry",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []siteView `json:"items"`
		}
		if err := newClient().getJSON("/api/v1/sites/", &resp); err != nil {
			return err
		}
		if outputFmt != "table" {
			return emit(resp.Items)
		}
		tbl := newTable("site url", "company", "key prefix", "active", "subscriber")
		for _, s := range resp.Items {
			tbl.row(s.SiteURL, s.CompanyName, s.KeyPrefix,
				strconv.FormatBool(s.IsActive), strconv.FormatBool(s.IsSubscriber))
		}
		tbl.flush()
		return nil
	},
}

var sitesRegisterCmd = &cobra.Command{
	Use:   "register <site-url>",
	Short: "Register a site and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		company, _ := cmd.Flags().GetString("company")
		email, _ := cmd.Flags().GetString("email")

		var resp struct {
			Site   siteView `json:"site"`
			APIKey string   `json:"api_key"`
		}
		err := newClient().postJSON("/api/v1/sites/", map[string]string{
			"site_url":      args[0],
			"company_name":  company,
			"contact_email": email,
		}, &resp)
		if err != nil {
			return err
		}
		if outputFmt != "table" {
			return emit(resp)
		}
		fmt.Printf("Registered %s\n", resp.Site.SiteURL)
		fmt.Printf("API key (shown once): %s\n", resp.APIKey)
		return nil
	},
}

var sitesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <site-url>",
	Short: "Deactivate a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var site siteView
		err := newClient().postJSON("/api/v1/sites/actions/deactivate",
			map[string]string{"site_url": args[0]}, &site)
		if err != nil {
			return err
		}
		fmt.Printf("Deactivated %s\n", site.SiteURL)
		return nil
	},
}

var sitesSubscribeCmd = &cobra.Command{
	Use:   "subscribe <site-url>",
	Short: "Toggle a site's template subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		subscribe := !off
		var site siteView
		err := newClient().postJSON("/api/v1/sites/actions/subscribe",
			map[string]any{"site_url": args[0], "subscribe": subscribe}, &site)
		if err != nil {
			return err
		}
		fmt.Printf("%s subscriber=%t\n", site.SiteURL, site.IsSubscriber)
		return nil
	},
}

var sitesGetCmd = &cobra.Command{
	Use:   "get <site-url>",
	Short: "Show one site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var site siteView
		path := "/api/v1/sites/lookup?url=" + url.QueryEscape(args[0])
		if err := newClient().getJSON(path, &site); err != nil {
			return err
		}
		return emit(site)
	},
}

func init() {
	sitesRegisterCmd.Flags().String("company", "", "Company name")
	sitesRegisterCmd.Flags().String("email", "", "Contact email")
	sitesSubscribeCmd.Flags().Bool("off", false, "Unsubscribe instead")

	sitesCmd.AddCommand(sitesListCmd)
	sitesCmd.AddCommand(sitesRegisterCmd)
	sitesCmd.AddCommand(sitesGetCmd)
	sitesCmd.AddCommand(sitesDeactivateCmd)
	sitesCmd.AddCommand(sitesSubscribeCmd)
}
