package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ryanbastic/go-sheetsync/internal/client"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
)

// NewDocCommand creates the doc command group.
func NewDocCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Create, show and share documents",
	}
	cmd.AddCommand(newDocCreateCommand(opts), newDocShowCommand(opts), newDocGrantCommand(opts))
	return cmd
}

func newDocCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a document owned by the current user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			doc, err := opts.api().CreateDocument(ctx, args[0])
			if err != nil {
				return fmt.Errorf("create document: %w", err)
			}
			return opts.formatter(cmd).Result(doc, func(w io.Writer) {
				fmt.Fprintf(w, "created document %d %q\n", doc.ID, doc.Name)
			})
		},
	}
}

func newDocShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Print every tab and cell of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			snap, err := opts.api().GetDocument(ctx, docID)
			if err != nil {
				return fmt.Errorf("get document: %w", err)
			}
			return opts.formatter(cmd).Result(snap, func(w io.Writer) {
				writeSnapshot(w, snap)
			})
		},
	}
}

// writeSnapshot prints one block per tab in display order; each cell line
// holds the address, the raw input and the computed value.
func writeSnapshot(w io.Writer, snap client.DocumentSnapshot) {
	fmt.Fprintf(w, "document %d %q (%s)\n", snap.ID, snap.Name, snap.Role)
	byTab := make(map[int64][]engine.Entry)
	for _, e := range snap.Cells {
		byTab[e.TabID] = append(byTab[e.TabID], e)
	}
	for _, t := range snap.Tabs {
		fmt.Fprintf(w, "[%s]\n", t.Name)
		for _, e := range byTab[t.ID] {
			addr := ref.Ref{Row: e.Row, Col: e.Col}.String()
			fmt.Fprintf(w, "%s\t%s\t%s\n", addr, e.Input.String(), e.Value.String())
		}
	}
}

func newDocGrantCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <document-id> <user-id> <editor|viewer>",
		Short: "Give another user a role on a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			userID, err := parseID(args[1], "user id")
			if err != nil {
				return err
			}
			role, err := storage.ParseRole(args[2])
			if err != nil || role == storage.RoleOwner {
				return fmt.Errorf("role must be editor or viewer, got %q", args[2])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			if err := opts.api().Grant(ctx, docID, userID, role); err != nil {
				return fmt.Errorf("grant: %w", err)
			}
			result := map[string]any{"document_id": docID, "user_id": userID, "role": role}
			return opts.formatter(cmd).Result(result, func(w io.Writer) {
				fmt.Fprintf(w, "user %d is now %s on document %d\n", userID, role, docID)
			})
		},
	}
}
