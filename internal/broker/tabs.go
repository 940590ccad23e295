package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// tabOp runs fn on the document's lane for a user with a write role, then
// broadcasts the resulting tab list and any recomputed cells to the room.
func (b *Broker) tabOp(ctx context.Context, user User, documentID int64, op string, fn func(ctx context.Context) ([]cell.Change, error)) ([]tab.Tab, error) {
	detached := context.WithoutCancel(ctx)
	var tabs []tab.Tab
	err := b.lanes.Do(ctx, documentID, func() error {
		role, ok, err := b.role(detached, documentID, user.ID)
		if err != nil {
			return err
		}
		if !ok || !role.CanWrite() {
			return ErrForbidden
		}

		changes, err := fn(detached)
		if err != nil {
			return err
		}
		tabs, err = b.tabs(detached, documentID)
		if err != nil {
			return err
		}

		b.logger.Info("tabs changed", "op", op, "user_id", user.ID, "document_id", documentID, "tabs", len(tabs), "changes", len(changes))
		b.broadcast(detached, documentID, EventTabsChanged, TabsChanged{DocumentID: documentID, Tabs: tabs})
		b.publish(detached, documentID, user, serverTimestamp(), changes)
		return nil
	})
	return tabs, err
}

func (b *Broker) tabs(ctx context.Context, documentID int64) ([]tab.Tab, error) {
	var tabs []tab.Tab
	err := b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
		tabs = wb.Tabs()
		return nil
	})
	return tabs, err
}

// lookupTab returns the tab with the given id and the current tab count.
func (b *Broker) lookupTab(ctx context.Context, documentID, tabID int64) (tab.Tab, int, error) {
	var (
		t     tab.Tab
		count int
	)
	err := b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
		var ok bool
		t, ok = wb.Tab(tabID)
		if !ok {
			return fmt.Errorf("tab %d: %w", tabID, engine.ErrUnknownTab)
		}
		count = len(wb.Tabs())
		return nil
	})
	return t, count, err
}

// AddTab appends a tab. An empty name becomes "Sheet<n+1>".
func (b *Broker) AddTab(ctx context.Context, user User, documentID int64, name string) ([]tab.Tab, error) {
	return b.tabOp(ctx, user, documentID, "add", func(ctx context.Context) ([]cell.Change, error) {
		if name == "" {
			tabs, err := b.tabs(ctx, documentID)
			if err != nil {
				return nil, err
			}
			name = "Sheet" + strconv.Itoa(len(tabs)+1)
		}

		var created tab.Tab
		if err := b.persist(func() error {
			var err error
			created, err = b.store.CreateTab(ctx, documentID, name)
			return err
		}); err != nil {
			return nil, fmt.Errorf("create tab: %w", err)
		}
		return nil, b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
			return wb.AddTab(created)
		})
	})
}

// RenameTab renames a tab. Stored formulas keep their text; later
// evaluations resolve sheet names against the new name table.
func (b *Broker) RenameTab(ctx context.Context, user User, documentID, tabID int64, name string) ([]tab.Tab, error) {
	return b.tabOp(ctx, user, documentID, "rename", func(ctx context.Context) ([]cell.Change, error) {
		if _, _, err := b.lookupTab(ctx, documentID, tabID); err != nil {
			return nil, err
		}
		if err := b.persist(func() error { return b.store.RenameTab(ctx, documentID, tabID, name) }); err != nil {
			return nil, fmt.Errorf("rename tab: %w", err)
		}
		return nil, b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
			return wb.RenameTab(tabID, name)
		})
	})
}

// MoveTab moves a tab to position, clamped to the tab range.
func (b *Broker) MoveTab(ctx context.Context, user User, documentID, tabID int64, position int) ([]tab.Tab, error) {
	return b.tabOp(ctx, user, documentID, "move", func(ctx context.Context) ([]cell.Change, error) {
		tabs, err := b.tabs(ctx, documentID)
		if err != nil {
			return nil, err
		}
		order := tab.NewRegistry(tabs...)
		if err := order.Move(tabID, position); err != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrUnknownTab, err)
		}
		if err := b.persist(func() error { return b.store.ReorderTabs(ctx, documentID, order.Order()) }); err != nil {
			return nil, fmt.Errorf("reorder tabs: %w", err)
		}
		return nil, b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
			return wb.MoveTab(tabID, position)
		})
	})
}

// DeleteTab removes a tab and its cells. Formulas elsewhere that read the
// tab are recomputed and broadcast.
func (b *Broker) DeleteTab(ctx context.Context, user User, documentID, tabID int64) ([]tab.Tab, error) {
	return b.tabOp(ctx, user, documentID, "delete", func(ctx context.Context) ([]cell.Change, error) {
		_, count, err := b.lookupTab(ctx, documentID, tabID)
		if err != nil {
			return nil, err
		}
		if count == 1 {
			return nil, engine.ErrLastTab
		}
		if err := b.persist(func() error { return b.store.DeleteTab(ctx, documentID, tabID) }); err != nil {
			return nil, fmt.Errorf("delete tab: %w", err)
		}

		var changes []cell.Change
		err = b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
			var err error
			changes, err = wb.RemoveTab(tabID)
			return err
		})
		return changes, err
	})
}

// DuplicateTab copies a tab's raw inputs onto a new tab appended at the
// end. An empty name becomes "<source> (copy)". If a cell fails to persist
// the new tab is deleted again.
func (b *Broker) DuplicateTab(ctx context.Context, user User, documentID, srcID int64, name string) ([]tab.Tab, error) {
	return b.tabOp(ctx, user, documentID, "duplicate", func(ctx context.Context) ([]cell.Change, error) {
		src, _, err := b.lookupTab(ctx, documentID, srcID)
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = src.Name + " (copy)"
		}

		snap, err := b.engine.Snapshot(ctx, documentID)
		if err != nil {
			return nil, err
		}

		var created tab.Tab
		if err := b.persist(func() error {
			var err error
			created, err = b.store.CreateTab(ctx, documentID, name)
			return err
		}); err != nil {
			return nil, fmt.Errorf("create tab: %w", err)
		}
		for _, e := range snap.Cells {
			if e.TabID != srcID {
				continue
			}
			req := cell.WriteRequest{
				DocumentID: documentID,
				TabID:      created.ID,
				Row:        e.Row,
				Col:        e.Col,
				Input:      e.Input,
				UserID:     user.ID,
				UserName:   user.Name,
			}
			if err := b.persist(func() error { return b.store.UpsertCell(ctx, req) }); err != nil {
				err = fmt.Errorf("copy cell %s: %w", e.Key, err)
				if derr := b.store.DeleteTab(ctx, documentID, created.ID); derr != nil {
					b.logger.Error("discard partial tab copy", "document_id", documentID, "tab_id", created.ID, "error", derr)
					return nil, errors.Join(err, derr)
				}
				return nil, err
			}
		}

		var changes []cell.Change
		err = b.engine.Apply(ctx, documentID, func(wb *engine.Workbook) error {
			var err error
			changes, err = wb.DuplicateTab(srcID, created)
			return err
		})
		return changes, err
	})
}
