package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <object-id> <revoke-token>",
	Short: "Delete an uploaded file before it expires",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if err := c.Revoke(ctx, args[0], args[1]); err != nil {
			return describe(err)
		}
		fmt.Fprintln(os.Stderr, "Revoked.")
		return nil
	},
}
