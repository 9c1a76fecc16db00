package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "couponbat",
	Short: "couponbat - scheduled coupon claims for registered accounts",
	Long: `couponbat runs a claim script once per registered account, one at a time,
and keeps a history of every attempt.

Available commands:
  serve    - Start the console, API and scheduler (default)
  grab     - Run one claim batch and exit
  extract  - Normalize a token, cookie string or URL into a credential
  watchdog - Check the health endpoint and optionally restart

Examples:
  couponbat --config couponbat.yaml
  couponbat grab --account 01HZX...
  couponbat extract 'https://h5.example.com/?token=abc'`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(grabCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(watchdogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
