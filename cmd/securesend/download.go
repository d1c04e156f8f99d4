package main

import (
	"fmt"
	"os"
	"path/filepath"

	"securesend/internal/transfer"

	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download <link>",
	Short: "Download and decrypt a shared file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("dir")
		outName, _ := cmd.Flags().GetString("output")

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		session, err := transfer.NewDownloadSession(c, args[0], transfer.WithProgress(progressPrinter("downloading")))
		if err != nil {
			return describe(err)
		}
		info, err := session.Info(ctx)
		if err != nil {
			return describe(err)
		}

		var password string
		if session.NeedsPassword() {
			if password, err = readPassword("Password: "); err != nil {
				return err
			}
		}

		// Plaintext goes to a temp file first; it is only renamed into place
		// once every frame verified.
		tmp, err := os.CreateTemp(outDir, ".securesend-*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())

		preview, err := session.Run(ctx, tmp, password)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return describe(err)
		}

		name := outName
		if name == "" {
			name = safeName(preview.Name, info.ObjectID)
		}
		dest := filepath.Join(outDir, name)
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists", dest)
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Saved %s (%d bytes, %d downloads left)\n", dest, preview.Size, preview.DownloadsRemaining)
		return nil
	},
}

func init() {
	downloadCmd.Flags().String("dir", ".", "directory to save into")
	downloadCmd.Flags().StringP("output", "o", "", "file name (defaults to the sender's file name)")
}

// safeName strips any directory part a sender may have put in the name.
func safeName(name, fallback string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return fallback
	}
	return base
}
