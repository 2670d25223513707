package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var outputFmt string

var rootCmd = &cobra.Command{
	Use:   "receptorctl",
	Short: "CLI for the receptor server",
	Long: `receptorctl administers a receptor server: the site registry,
contribution requests, the master template registry, and the
propagation queue.

The server URL comes from --server, the RECEPTORCTL_SERVER environment
variable, or ~/.receptorctl.yaml, in that order.`,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8090", "Receptor server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	viper.SetEnvPrefix("receptorctl")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.SetConfigName(".receptorctl")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME")
	_ = viper.ReadInConfig()

	rootCmd.AddCommand(sitesCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(deliveriesCmd)
	rootCmd.AddCommand(healthCmd)
}

func serverURL() string {
	return viper.GetString("server")
}
