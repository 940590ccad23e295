// Package cli implements sheetctl, an operator tool that talks to a
// sheetsync server over REST and the realtime socket.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/client"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Server   string
	UserID   int64
	Username string
	Format   string
	Verbose  bool
	Timeout  time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the sheetctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sheetctl",
		Short: "Operate a sheetsync server",
		Long:  "Create documents, manage tabs, write cells and watch live edits on a sheetsync server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.UserID <= 0 {
				return fmt.Errorf("a positive --user-id is required")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultUser, _ := strconv.ParseInt(os.Getenv("SHEETCTL_USER_ID"), 10, 64)
	cmd.PersistentFlags().StringVar(&opts.Server, "server", envOr("SHEETCTL_SERVER", "http://localhost:8080"), "server base URL")
	cmd.PersistentFlags().Int64Var(&opts.UserID, "user-id", defaultUser, "user id to act as")
	cmd.PersistentFlags().StringVar(&opts.Username, "username", os.Getenv("SHEETCTL_USERNAME"), "display name to act as")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log diagnostics to stderr")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the server")

	cmd.AddCommand(NewDocCommand(opts))
	cmd.AddCommand(NewTabCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (o *RootOptions) user() broker.User {
	return broker.User{ID: o.UserID, Name: o.Username}
}

func (o *RootOptions) api() *client.API {
	return client.NewAPI(o.Server, o.user(), nil)
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}
