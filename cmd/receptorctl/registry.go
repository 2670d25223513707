package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the master template registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List template codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []string `json:"items"`
		}
		if err := newClient().getJSON("/api/v1/registry/templates", &resp); err != nil {
			return err
		}
		for _, code := range resp.Items {
			fmt.Println(code)
		}
		return nil
	},
}

var registryGetCmd = &cobra.Command{
	Use:   "get <code>",
	Short: "Show the latest version of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/registry/templates/" + url.PathEscape(args[0])
		if version, _ := cmd.Flags().GetInt("version"); version > 0 {
			path += "/versions/" + strconv.Itoa(version)
		}
		var entry map[string]any
		if err := newClient().getJSON(path, &entry); err != nil {
			return err
		}
		return emit(entry)
	},
}

var registryVersionsCmd = &cobra.Command{
	Use:   "versions <code>",
	Short: "List a template's version chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Items []struct {
				Version           int    `json:"Version"`
				ContributedBySite string `json:"ContributedBySite"`
				CreatedBy         string `json:"CreatedBy"`
			} `json:"items"`
		}
		path := "/api/v1/registry/templates/" + url.PathEscape(args[0]) + "/versions"
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		tbl := newTable("version", "contributed by", "created by")
		for _, v := range resp.Items {
			tbl.row(strconv.Itoa(v.Version), v.ContributedBySite, v.CreatedBy)
		}
		tbl.flush()
		return nil
	},
}

var registryVerifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Audit a template's supersedes chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		path := "/api/v1/registry/templates/" + url.PathEscape(args[0]) + "/chain"
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		return emit(resp)
	},
}

var registryResolveCmd = &cobra.Command{
	Use:   "resolve <entity-type> [entity-subtype]",
	Short: "Resolve the template assigned to an entity type",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/registry/templates/resolve?entity_type=" + url.QueryEscape(args[0])
		if len(args) == 2 {
			path += "&entity_subtype=" + url.QueryEscape(args[1])
		}
		var resp struct {
			TemplateCode string `json:"template_code"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		fmt.Println(resp.TemplateCode)
		return nil
	},
}

func init() {
	registryGetCmd.Flags().Int("version", 0, "Pin a specific version")

	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryGetCmd)
	registryCmd.AddCommand(registryVersionsCmd)
	registryCmd.AddCommand(registryVerifyCmd)
	registryCmd.AddCommand(registryResolveCmd)
}
