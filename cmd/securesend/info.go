package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"securesend/internal/transfer"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <link>",
	Short: "Show a shared file's details without downloading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		session, err := transfer.NewDownloadSession(c, args[0])
		if err != nil {
			return describe(err)
		}
		p, err := session.Info(ctx)
		if err != nil {
			return describe(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", p.ObjectID)
		if p.Name != "" {
			fmt.Fprintf(w, "Name:\t%s\n", p.Name)
			fmt.Fprintf(w, "Type:\t%s\n", p.MimeType)
			fmt.Fprintf(w, "Size:\t%d bytes\n", p.Size)
		} else {
			fmt.Fprintf(w, "Name:\t(hidden until the password is entered)\n")
		}
		fmt.Fprintf(w, "Downloads left:\t%d\n", p.DownloadsRemaining)
		fmt.Fprintf(w, "Expires:\t%s (in %s)\n", p.ExpiresAt.Local().Format("2006-01-02 15:04"), p.ExpiresIn.Round(time.Minute))
		fmt.Fprintf(w, "Password:\t%t\n", p.PasswordProtected)
		return w.Flush()
	},
}
