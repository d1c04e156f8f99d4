package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"securesend/internal/client"
	"securesend/internal/common"
	"securesend/internal/transfer"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const serverEnv = "SECURESEND_SERVER"

var serverURL string

var rootCmd = &cobra.Command{
	Use:           "securesend",
	Short:         "Share files with end-to-end encryption",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	def := os.Getenv(serverEnv)
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", def, "API server URL (env "+serverEnv+")")

	rootCmd.AddCommand(uploadCmd, downloadCmd, infoCmd, revokeCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL)
}

// signalContext is canceled on Ctrl-C so sessions can clean up.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// readPassword prompts on stderr without echo.
func readPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("%s requires a terminal", prompt)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func progressPrinter(label string) transfer.ProgressFunc {
	last := -1
	return func(p transfer.Progress) {
		pct := int(p.Fraction * 100)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(os.Stderr, "\r%s %3d%% (%s)", label, pct, p.State)
		if p.State.Terminal() {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// describe turns lifecycle errors into user-facing messages.
func describe(err error) error {
	switch {
	case common.IsUnavailable(err):
		return errors.New("file unavailable")
	case errors.Is(err, common.ErrWrongPassword):
		return errors.New("wrong password")
	case errors.Is(err, common.ErrInvalidLink):
		return errors.New("invalid share link")
	case errors.Is(err, common.ErrAuthenticationFailed):
		return errors.New("integrity check failed: the link key is wrong or the data was tampered with")
	case errors.Is(err, context.Canceled):
		return errors.New("canceled")
	default:
		return err
	}
}
