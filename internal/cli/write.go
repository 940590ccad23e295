package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/client"
	"github.com/ryanbastic/go-sheetsync/internal/ref"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// NewSetCommand creates the set command.
func NewSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <document-id> <cell> <value>",
		Short: "Write one cell and print its computed value",
		Long: `Write one cell through the realtime socket and wait until the server
confirms it. The cell is an address such as B3 or Sheet2!A1; unqualified
addresses land on the first tab. Numeric values are written as numbers,
an empty value clears the cell and values starting with "=" are formulas.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			edits := []Edit{{Cell: args[1], Value: parseValue(args[2])}}
			return runWrite(cmd, opts, docID, edits)
		},
	}
}

// Script is the YAML document read by apply.
type Script struct {
	Edits []ScriptEdit `yaml:"edits"`
}

// ScriptEdit is one entry of a Script. Value may be a number, a string,
// a boolean or null.
type ScriptEdit struct {
	Cell  string `yaml:"cell"`
	Value any    `yaml:"value"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <document-id> <script.yaml>",
		Short: "Write a YAML script of cell edits in order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			docID, err := parseID(args[0], "document id")
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}
			edits, err := ParseScript(data)
			if err != nil {
				return err
			}
			return runWrite(cmd, opts, docID, edits)
		},
	}
}

// ParseScript decodes a YAML edit script.
func ParseScript(data []byte) ([]Edit, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	edits := make([]Edit, 0, len(s.Edits))
	for i, e := range s.Edits {
		if e.Cell == "" {
			return nil, fmt.Errorf("edit %d: missing cell", i)
		}
		v, err := scriptValue(e.Value)
		if err != nil {
			return nil, fmt.Errorf("edit %d (%s): %w", i, e.Cell, err)
		}
		edits = append(edits, Edit{Cell: e.Cell, Value: v})
	}
	return edits, nil
}

func scriptValue(v any) (cell.Value, error) {
	switch v := v.(type) {
	case nil:
		return cell.Value{}, nil
	case int:
		return cell.Number(float64(v)), nil
	case float64:
		return cell.Number(v), nil
	case bool:
		return cell.Text(strconv.FormatBool(v)), nil
	case string:
		return cell.Text(v), nil
	}
	return cell.Value{}, fmt.Errorf("unsupported value type %T", v)
}

// parseValue reads a command-line value: numbers stay numbers, anything
// else is text.
func parseValue(s string) cell.Value {
	if s == "" {
		return cell.Value{}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return cell.Number(n)
	}
	return cell.Text(s)
}

// Edit is one cell write addressed in A1 notation.
type Edit struct {
	Cell  string
	Value cell.Value
}

// Written is a confirmed edit with the value the server computed.
type Written struct {
	Cell     string     `json:"cell"`
	Input    cell.Value `json:"input"`
	Computed cell.Value `json:"computed"`
}

func runWrite(cmd *cobra.Command, opts *RootOptions, docID int64, edits []Edit) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	written, err := writeCells(ctx, opts.api(), docID, edits, opts.logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Result(written, func(w io.Writer) {
		for _, c := range written {
			fmt.Fprintf(w, "%s = %s\n", c.Cell, c.Computed.String())
		}
	})
}

type pendingWrite struct {
	key   cell.Key
	label string
	input cell.Value
}

// sendWindow bounds unconfirmed edits so the server never has to queue
// more echoes for this session than it will buffer.
const sendWindow = 16

// writeCells resolves edits against the document's tabs and writes them.
func writeCells(ctx context.Context, api *client.API, docID int64, edits []Edit, logger *slog.Logger) ([]Written, error) {
	snap, err := api.GetDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if !snap.Role.CanWrite() {
		return nil, fmt.Errorf("user %d cannot write document %d (role %s)", api.User().ID, docID, snap.Role)
	}
	pending, err := resolveEdits(snap.Tabs, edits)
	if err != nil {
		return nil, err
	}
	return sendCells(ctx, api, docID, pending, logger)
}

// sendCells writes every pending edit over one session and waits for the
// server to echo each of them back. Echoes arrive in send order.
func sendCells(ctx context.Context, api *client.API, docID int64, pending []pendingWrite, logger *slog.Logger) ([]Written, error) {
	conn, err := client.Dial(ctx, api.SocketURL(), api.User(), docID, logger)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	written := make([]Written, 0, len(pending))
	sent := 0
	for len(written) < len(pending) {
		for sent < len(pending) && sent-len(written) < sendWindow {
			p := pending[sent]
			raw, err := json.Marshal(p.input)
			if err != nil {
				return written, fmt.Errorf("encode %s: %w", p.label, err)
			}
			tabID := p.key.TabID
			u := broker.Update{DocumentID: docID, TabID: &tabID, Row: p.key.Row, Column: p.key.Col, Value: raw}
			if err := conn.SendCellUpdate(ctx, u); err != nil {
				return written, fmt.Errorf("send %s: %w", p.label, err)
			}
			sent++
		}

		select {
		case <-ctx.Done():
			return written, fmt.Errorf("server confirmed %d of %d edits: %w", len(written), len(pending), ctx.Err())
		case ev, ok := <-conn.Events():
			if !ok {
				return written, fmt.Errorf("connection closed after %d of %d edits", len(written), len(pending))
			}
			switch ev := ev.(type) {
			case client.Denied:
				return written, fmt.Errorf("server denied %s on document %d", ev.Error.Op, ev.Error.DocumentID)
			case client.RemoteUpdate:
				u := ev.Payload
				if u.Derived || u.UserID != api.User().ID || u.DocumentID != docID {
					continue
				}
				next := pending[len(written)]
				if (cell.Key{TabID: u.TabID, Row: u.Row, Col: u.Column}) != next.key {
					continue
				}
				written = append(written, Written{Cell: next.label, Input: u.Value, Computed: u.Computed})
			}
		}
	}
	return written, nil
}

// resolveEdits maps addresses to keys. Unqualified addresses use the
// first tab.
func resolveEdits(tabs []tab.Tab, edits []Edit) ([]pendingWrite, error) {
	names := tab.NewRegistry(tabs...)
	first, ok := names.First()
	if !ok {
		return nil, fmt.Errorf("document has no tabs")
	}
	out := make([]pendingWrite, 0, len(edits))
	for _, e := range edits {
		r, err := ref.Parse(e.Cell)
		if err != nil {
			return nil, fmt.Errorf("cell %q: %w", e.Cell, err)
		}
		k, ok := ref.Resolve(r, first.ID, names)
		if !ok {
			return nil, fmt.Errorf("cell %q: unknown sheet %q", e.Cell, r.Sheet)
		}
		if !r.Qualified {
			r.Sheet, r.Qualified = first.Name, true
		}
		out = append(out, pendingWrite{key: k, label: r.String(), input: e.Value})
	}
	return out, nil
}
