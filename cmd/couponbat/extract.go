package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/patrickspencer/couponbat/internal/credential"
)

var extractShow bool

var extractCmd = &cobra.Command{
	Use:   "extract <token|cookie|url>",
	Short: "Normalize a token, cookie string or URL into a credential",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := credential.Extract(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if !extractShow {
			token = credential.Mask(token)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractShow, "show", false, "print the full credential instead of a masked prefix")
}
