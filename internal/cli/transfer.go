package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/export"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// NewExportCommand creates the export command.
func NewExportCommand(opts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <document-id>",
		Short: "Download a document as an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("document-%d.xlsx", docID)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			if output == "-" {
				return opts.api().Export(ctx, docID, cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create %s: %w", output, err)
			}
			if err := opts.api().Export(ctx, docID, f); err != nil {
				f.Close()
				return fmt.Errorf("export: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			return opts.formatter(cmd).Result(map[string]any{"document_id": docID, "path": output}, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s\n", output)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `output file ("-" for stdout)`)
	return cmd
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "import <file.xlsx>",
		Short: "Create a document from an xlsx workbook",
		Long: `Create a document owned by the current user with one tab per worksheet.
Formulas are imported as formula text and recomputed by the server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			sheets, err := export.Read(f)
			f.Close()
			if err != nil {
				return err
			}
			if len(sheets) == 0 {
				return fmt.Errorf("%s has no worksheets", args[0])
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()
			docID, written, err := importSheets(ctx, opts, name, sheets, opts.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Result(map[string]any{"document_id": docID, "cells": written}, func(w io.Writer) {
				fmt.Fprintf(w, "imported %d sheets and %d cells into document %d\n", len(sheets), written, docID)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "document name (defaults to the file name)")
	return cmd
}

func importSheets(ctx context.Context, opts *RootOptions, name string, sheets []export.Sheet, logger *slog.Logger) (int64, int, error) {
	api := opts.api()
	doc, err := api.CreateDocument(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("create document: %w", err)
	}
	if len(doc.Tabs) == 0 {
		return doc.ID, 0, fmt.Errorf("document %d was created without a tab", doc.ID)
	}
	tabs, err := sheetTabs(ctx, opts, doc.ID, doc.Tabs[0], sheets)
	if err != nil {
		return doc.ID, 0, err
	}
	written, err := sendCells(ctx, api, doc.ID, sheetWrites(tabs, sheets), logger)
	if err != nil {
		return doc.ID, len(written), err
	}
	return doc.ID, len(written), nil
}

// sheetTabs creates one tab per sheet, reusing the document's first tab.
func sheetTabs(ctx context.Context, opts *RootOptions, docID int64, first tab.Tab, sheets []export.Sheet) ([]tab.Tab, error) {
	api := opts.api()
	out := make([]tab.Tab, 0, len(sheets))
	for i, s := range sheets {
		if i == 0 {
			if s.Name != first.Name {
				if _, err := api.RenameTab(ctx, docID, first.ID, s.Name); err != nil {
					return nil, fmt.Errorf("rename tab: %w", err)
				}
				first.Name = s.Name
			}
			out = append(out, first)
			continue
		}
		tabs, err := api.AddTab(ctx, docID, s.Name)
		if err != nil {
			return nil, fmt.Errorf("add tab %q: %w", s.Name, err)
		}
		out = append(out, tabs[len(tabs)-1])
	}
	return out, nil
}

func sheetWrites(tabs []tab.Tab, sheets []export.Sheet) []pendingWrite {
	var out []pendingWrite
	for i, s := range sheets {
		t := tabs[i]
		for _, c := range s.Cells {
			out = append(out, pendingWrite{
				key:   cell.Key{TabID: t.ID, Row: c.Row, Col: c.Col},
				label: ref.Ref{Sheet: t.Name, Qualified: true, Row: c.Row, Col: c.Col}.String(),
				input: c.Input,
			})
		}
	}
	return out
}
