// Package client keeps a local copy of a document in step with the server:
// local edits are applied optimistically and sent, remote mutations are
// applied without being sent back.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// Surface renders one tab at a time.
type Surface interface {
	ActiveTab() int64
	SetActiveTab(id int64)
	SetCell(row, col int, display string)
}

// TabSurface is implemented by surfaces that show the tab list.
type TabSurface interface {
	SetTabs(tabs []tab.Tab)
}

// PresenceSurface is implemented by surfaces that show collaborators.
type PresenceSurface interface {
	ShowPresence(p broker.Presence)
	HidePresence(userID int64)
}

// Outbox sends local edits to the server.
type Outbox interface {
	SendCellUpdate(ctx context.Context, u broker.Update) error
}

// Reconciler is not safe for concurrent use; Run serializes events.
type Reconciler struct {
	documentID int64
	user       broker.User
	role       storage.Role
	wb         *engine.Workbook
	surface    Surface
	outbox     Outbox
	logger     *slog.Logger

	applying bool
	// shown is the last input per cell, or the computed value after a
	// derived update.
	shown map[cell.Key]cell.Value
	// sent holds inputs awaiting their own echo from the server.
	sent map[cell.Key]cell.Value
}

// Config describes the session a Reconciler serves.
type Config struct {
	DocumentID int64
	User       broker.User
	Role       storage.Role
}

// New builds a Reconciler over a snapshot of the document.
func New(cfg Config, snap engine.Snapshot, surface Surface, outbox Outbox, logger *slog.Logger) *Reconciler {
	stored := make([]cell.Stored, 0, len(snap.Cells))
	for _, e := range snap.Cells {
		stored = append(stored, cell.Stored{TabID: e.TabID, Row: e.Row, Col: e.Col, Input: e.Input})
	}
	wb := engine.NewWorkbook()
	wb.Load(snap.Tabs, stored)

	r := &Reconciler{
		documentID: cfg.DocumentID,
		user:       cfg.User,
		role:       cfg.Role,
		wb:         wb,
		surface:    surface,
		outbox:     outbox,
		logger:     logger,
		shown:      make(map[cell.Key]cell.Value),
		sent:       make(map[cell.Key]cell.Value),
	}
	for _, e := range snap.Cells {
		r.shown[e.Key] = e.Input
	}
	return r
}

// Run handles events until ctx is done or events is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Handle applies one event. Only a failure to send a local edit is returned.
func (r *Reconciler) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case LocalEdit:
		return r.local(ctx, ev)
	case RemoteUpdate:
		r.remote(ev.Payload)
	case TabsChanged:
		r.syncTabs(ev.Tabs)
	case PresenceChanged:
		if ps, ok := r.surface.(PresenceSurface); ok && ev.Presence.DocumentID == r.documentID {
			ps.ShowPresence(ev.Presence)
		}
	case PresenceLeft:
		if ps, ok := r.surface.(PresenceSurface); ok && ev.Leave.DocumentID == r.documentID {
			ps.HidePresence(ev.Leave.UserID)
		}
	case Denied:
		r.logger.Warn("request denied", "op", ev.Error.Op, "code", ev.Error.Code, "document_id", ev.Error.DocumentID)
	}
	return nil
}

// Value returns the local computed value of a cell.
func (r *Reconciler) Value(k cell.Key) cell.Value {
	rec, _ := r.wb.Cell(k)
	return rec.Value
}

// Tabs returns the local tab list.
func (r *Reconciler) Tabs() []tab.Tab {
	return r.wb.Tabs()
}

func (r *Reconciler) local(ctx context.Context, e LocalEdit) error {
	k := cell.Key{TabID: e.TabID, Row: e.Row, Col: e.Col}
	switch {
	case r.applying:
		return nil
	case !r.role.CanWrite():
		r.logger.Debug("local edit ignored", "reason", "read_only", "cell", k)
		return nil
	case r.unchanged(k, e.Input):
		return nil
	}

	changes, err := r.wb.SetCell(e.TabID, e.Row, e.Col, e.Input)
	if err != nil {
		r.logger.Warn("local edit rejected", "cell", k, "error", err)
		return nil
	}
	r.apply(changes)
	r.sent[k] = e.Input

	raw, err := e.Input.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	tabID := e.TabID
	u := broker.Update{
		DocumentID: r.documentID,
		TabID:      &tabID,
		Row:        e.Row,
		Column:     e.Col,
		Value:      json.RawMessage(raw),
	}
	if err := r.outbox.SendCellUpdate(ctx, u); err != nil {
		return fmt.Errorf("send cell update: %w", err)
	}
	return nil
}

// unchanged reports whether input is what the cell already shows. A formula
// showing its computed value is still replaced by an equal literal.
func (r *Reconciler) unchanged(k cell.Key, input cell.Value) bool {
	if !input.Equal(r.shown[k]) {
		return false
	}
	rec, ok := r.wb.Cell(k)
	return !ok || !rec.IsFormula() || input.Equal(rec.Input)
}

func (r *Reconciler) remote(u broker.CellUpdate) {
	if u.DocumentID != r.documentID {
		return
	}
	k := cell.Key{TabID: u.TabID, Row: u.Row, Col: u.Column}

	if !u.Derived && u.UserID == r.user.ID {
		if pending, ok := r.sent[k]; ok && pending.Equal(u.Value) {
			delete(r.sent, k)
			return
		}
	}

	if u.Derived {
		r.wb.SetComputed(k, u.Computed)
		r.apply([]cell.Change{{TabID: k.TabID, Row: k.Row, Col: k.Col, Value: u.Computed, Derived: true}})
		return
	}

	changes, err := r.wb.SetCell(k.TabID, k.Row, k.Col, u.Value)
	if err != nil {
		r.logger.Warn("remote update rejected", "cell", k, "error", err)
		return
	}
	delete(r.sent, k)
	r.apply(changes)
}

// apply writes changes to the surface, tab by tab in display order. Changes
// on other tabs switch the surface there and back.
func (r *Reconciler) apply(changes []cell.Change) {
	if len(changes) == 0 {
		return
	}
	r.applying = true
	defer func() { r.applying = false }()

	byTab := make(map[int64][]cell.Change)
	for _, c := range changes {
		byTab[c.TabID] = append(byTab[c.TabID], c)
	}
	active := r.surface.ActiveTab()
	for _, t := range r.wb.Tabs() {
		id := t.ID
		list, ok := byTab[id]
		if !ok {
			continue
		}
		if id != active {
			r.surface.SetActiveTab(id)
		}
		for _, c := range list {
			r.surface.SetCell(c.Row, c.Col, c.Value.String())
			if c.Derived {
				r.shown[c.Key()] = c.Value
			} else {
				r.shown[c.Key()] = c.Input
			}
		}
		if id != active {
			r.surface.SetActiveTab(active)
		}
	}
}

// syncTabs brings the local tab registry in line with the server's list.
// New tabs are added before stale ones are removed so the registry is never
// emptied. Removed tabs take their cells with them; dependents are recomputed.
func (r *Reconciler) syncTabs(tabs []tab.Tab) {
	for _, t := range tabs {
		if existing, ok := r.wb.Tab(t.ID); ok {
			if existing.Name != t.Name {
				_ = r.wb.RenameTab(t.ID, t.Name)
			}
			continue
		}
		if err := r.wb.AddTab(t); err != nil {
			r.logger.Warn("add tab", "tab_id", t.ID, "error", err)
		}
	}

	for _, t := range r.wb.Tabs() {
		if slices.ContainsFunc(tabs, func(n tab.Tab) bool { return n.ID == t.ID }) {
			continue
		}
		changes, err := r.wb.RemoveTab(t.ID)
		if err != nil {
			r.logger.Warn("remove tab", "tab_id", t.ID, "error", err)
			continue
		}
		for k := range r.shown {
			if k.TabID == t.ID {
				delete(r.shown, k)
			}
		}
		r.apply(changes)
	}

	for _, t := range tabs {
		_ = r.wb.MoveTab(t.ID, t.Position)
	}

	if ts, ok := r.surface.(TabSurface); ok {
		ts.SetTabs(r.wb.Tabs())
	}
}
