package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/client"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Follow live edits, tab changes and presence on a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			f := opts.formatter(cmd)
			surface := &printSurface{out: f, names: make(map[int64]string)}

			openCtx, cancelOpen := context.WithTimeout(ctx, opts.Timeout)
			sess, err := client.Open(openCtx, opts.api(), docID, surface, opts.logger(cmd.ErrOrStderr()))
			cancelOpen()
			if err != nil {
				return fmt.Errorf("open document: %w", err)
			}
			defer sess.Close()

			surface.SetTabs(sess.Snapshot.Tabs)
			if first, ok := tab.NewRegistry(sess.Snapshot.Tabs...).First(); ok {
				surface.active = first.ID
			}
			if f.Format == "text" {
				writeSnapshot(f.Writer, sess.Snapshot)
			}

			err = sess.Run(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 waits for an interrupt)")
	return cmd
}

// WatchEvent is one line of watch output in JSON mode.
type WatchEvent struct {
	Kind  string `json:"kind"`
	Tab   string `json:"tab,omitempty"`
	Cell  string `json:"cell,omitempty"`
	Value string `json:"value,omitempty"`
	User  string `json:"user,omitempty"`
}

// printSurface renders the reconciled document as a stream of lines.
type printSurface struct {
	out    *OutputFormatter
	active int64
	names  map[int64]string
}

func (p *printSurface) ActiveTab() int64 { return p.active }

func (p *printSurface) SetActiveTab(id int64) { p.active = id }

func (p *printSurface) SetCell(row, col int, display string) {
	addr := ref.Ref{Sheet: p.names[p.active], Qualified: true, Row: row, Col: col}.String()
	p.out.Line(WatchEvent{Kind: "cell", Tab: p.names[p.active], Cell: addr, Value: display}, "%s\t%s", addr, display)
}

func (p *printSurface) SetTabs(tabs []tab.Tab) {
	clear(p.names)
	names := make([]string, 0, len(tabs))
	for _, t := range tabs {
		p.names[t.ID] = t.Name
		names = append(names, t.Name)
	}
	p.out.Line(WatchEvent{Kind: "tabs", Value: strings.Join(names, ",")}, "tabs: %s", strings.Join(names, ", "))
}

func (p *printSurface) ShowPresence(pr broker.Presence) {
	who := displayName(pr.UserID, pr.Username)
	if pr.Row == nil || pr.Column == nil {
		p.out.Line(WatchEvent{Kind: "presence", User: who}, "%s cleared their selection", who)
		return
	}
	addr := ref.Ref{Row: *pr.Row, Col: *pr.Column}.String()
	p.out.Line(WatchEvent{Kind: "presence", User: who, Cell: addr}, "%s is at %s", who, addr)
}

func (p *printSurface) HidePresence(userID int64) {
	who := displayName(userID, "")
	p.out.Line(WatchEvent{Kind: "leave", User: who}, "%s left", who)
}

func displayName(id int64, name string) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("user %d", id)
}
