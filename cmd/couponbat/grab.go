package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/patrickspencer/couponbat/internal/grab"
	"github.com/patrickspencer/couponbat/internal/store"
)

var grabAccounts []string

var grabCmd = &cobra.Command{
	Use:   "grab",
	Short: "Run one claim batch and exit",
	Long: `Run one claim batch over the given accounts, or over every active account
when no --account flag is given, and print one line per account.`,
	RunE: runGrab,
}

func init() {
	grabCmd.Flags().StringSliceVarP(&grabAccounts, "account", "a", nil, "account id to grab (repeatable)")
}

func runGrab(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.engine.Run(context.Background(), grabAccounts, grab.TriggerCLI)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSTATUS\tCLAIMED\tFAILED\tERROR")
	var unsuccessful int
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.AccountName, r.Status, r.Succeeded, r.Failed, r.Error)
		if r.Status != store.StatusSuccess {
			unsuccessful++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if unsuccessful == len(results) {
		return errors.Newf("no account claimed a coupon (%d attempted)", len(results))
	}
	return nil
}
