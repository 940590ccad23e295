package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// NewTabCommand creates the tab command group.
func NewTabCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Add, rename, move and delete tabs",
	}
	cmd.AddCommand(
		tabCommand(opts, "add <document-id> [name]", "Append a tab", cobra.RangeArgs(1, 2),
			func(ctx context.Context, o *RootOptions, docID int64, args []string) ([]tab.Tab, error) {
				name := ""
				if len(args) > 1 {
					name = args[1]
				}
				return o.api().AddTab(ctx, docID, name)
			}),
		tabCommand(opts, "rename <document-id> <tab-id> <name>", "Rename a tab", cobra.ExactArgs(3),
			func(ctx context.Context, o *RootOptions, docID int64, args []string) ([]tab.Tab, error) {
				tabID, err := parseID(args[1], "tab id")
				if err != nil {
					return nil, err
				}
				return o.api().RenameTab(ctx, docID, tabID, args[2])
			}),
		tabCommand(opts, "move <document-id> <tab-id> <position>", "Move a tab to a 0-based position", cobra.ExactArgs(3),
			func(ctx context.Context, o *RootOptions, docID int64, args []string) ([]tab.Tab, error) {
				tabID, err := parseID(args[1], "tab id")
				if err != nil {
					return nil, err
				}
				pos, err := strconv.Atoi(args[2])
				if err != nil {
					return nil, fmt.Errorf("invalid position %q", args[2])
				}
				return o.api().MoveTab(ctx, docID, tabID, pos)
			}),
		tabCommand(opts, "delete <document-id> <tab-id>", "Delete a tab and its cells", cobra.ExactArgs(2),
			func(ctx context.Context, o *RootOptions, docID int64, args []string) ([]tab.Tab, error) {
				tabID, err := parseID(args[1], "tab id")
				if err != nil {
					return nil, err
				}
				return o.api().DeleteTab(ctx, docID, tabID)
			}),
	)
	return cmd
}

type tabFunc func(ctx context.Context, o *RootOptions, docID int64, args []string) ([]tab.Tab, error)

func tabCommand(opts *RootOptions, use, short string, nargs cobra.PositionalArgs, fn tabFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  nargs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			tabs, err := fn(ctx, opts, docID, args)
			if err != nil {
				return fmt.Errorf("%s: %w", cmd.Name(), err)
			}
			return opts.formatter(cmd).Result(tabs, func(w io.Writer) {
				writeTabs(w, tabs)
			})
		},
	}
}

func writeTabs(w io.Writer, tabs []tab.Tab) {
	for _, t := range tabs {
		fmt.Fprintf(w, "%d\t%d\t%s\n", t.Position, t.ID, t.Name)
	}
}
