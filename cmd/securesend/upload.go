package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"securesend/internal/archive"
	"securesend/internal/cryptox"
	"securesend/internal/service"
	"securesend/internal/transfer"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <path>...",
	Short: "Encrypt and upload files, printing the share link",
	Long: `Encrypt and upload a file, printing the share link.

Several files or a directory are streamed into a single zip archive and
shared under one link.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		expiry, _ := cmd.Flags().GetDuration("expiry")
		withPassword, _ := cmd.Flags().GetBool("password")
		chunkKiB, _ := cmd.Flags().GetInt("chunk-kib")
		suiteName, _ := cmd.Flags().GetString("suite")
		shareBase, _ := cmd.Flags().GetString("link-base")

		suite, err := parseSuite(suiteName)
		if err != nil {
			return err
		}

		src, err := openSource(args)
		if err != nil {
			return err
		}
		defer src.Close()
		if src.archived {
			fmt.Fprintf(os.Stderr, "Archiving %d files into %s\n", src.files, src.name)
		}

		var password string
		if withPassword {
			if password, err = readPassword("Password: "); err != nil {
				return err
			}
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return fmt.Errorf("passwords do not match")
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		if shareBase == "" {
			shareBase = serverURL
		}

		ctx, cancel := signalContext()
		defer cancel()

		session := transfer.NewUploadSession(c, shareBase, transfer.WithProgress(progressPrinter("uploading")))
		res, err := session.Run(ctx, transfer.UploadInput{
			Source:        src.ReadCloser,
			Name:          src.name,
			MimeType:      src.mimeType,
			Size:          src.size,
			Password:      password,
			DownloadLimit: limit,
			Expiry:        expiry,
			ChunkSize:     chunkKiB << 10,
			Suite:         suite,
		})
		if err != nil {
			return describe(err)
		}

		fmt.Println(res.Link)
		fmt.Fprintf(os.Stderr, "Downloads: %d  Expires: %s\n", res.DownloadsRemaining, res.ExpiresAt.Local().Format(time.RFC1123))
		fmt.Fprintf(os.Stderr, "Revoke with: securesend revoke %s %s\n", res.ObjectID, res.RevokeToken)
		return nil
	},
}

func init() {
	uploadCmd.Flags().Int("limit", service.DefaultDownloadLimit, fmt.Sprintf("maximum downloads (%d-%d)", service.MinDownloadLimit, service.MaxDownloadLimit))
	uploadCmd.Flags().Duration("expiry", service.DefaultExpiry, "time until the file expires (1h-168h)")
	uploadCmd.Flags().Bool("password", false, "prompt for a password that recipients must also enter")
	uploadCmd.Flags().Int("chunk-kib", cryptox.DefaultChunkSize>>10, "plaintext chunk size in KiB")
	uploadCmd.Flags().String("suite", "aes-gcm", "cipher suite: aes-gcm or chacha20-poly1305")
	uploadCmd.Flags().String("link-base", "", "base URL for the share link (defaults to --server)")
}

// source is what gets encrypted: a single file as is, or a zip archive
// streamed from several paths.
type source struct {
	io.ReadCloser
	name     string
	mimeType string
	size     int64
	files    int
	archived bool
}

func openSource(paths []string) (*source, error) {
	if len(paths) == 1 {
		st, err := os.Stat(paths[0])
		if err != nil {
			return nil, err
		}
		if st.Mode().IsRegular() {
			f, err := os.Open(paths[0])
			if err != nil {
				return nil, err
			}
			mimeType := "application/octet-stream"
			if mt, err := mimetype.DetectFile(paths[0]); err == nil {
				mimeType = mt.String()
			}
			return &source{ReadCloser: f, name: filepath.Base(paths[0]), mimeType: mimeType, size: st.Size(), files: 1}, nil
		}
	}

	b, err := archive.Collect(paths)
	if err != nil {
		return nil, err
	}
	return &source{ReadCloser: b.Open(), name: b.Name(), mimeType: archive.MimeType, size: b.Size(), files: b.Files(), archived: true}, nil
}

func parseSuite(name string) (cryptox.Suite, error) {
	switch name {
	case "aes-gcm", "aes":
		return cryptox.SuiteAESGCM, nil
	case "chacha20-poly1305", "chacha":
		return cryptox.SuiteChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("unknown suite %q", name)
	}
}
