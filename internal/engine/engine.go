// Package engine owns every document's cell store and dependency graph.
// Callers reach a workbook only through Engine.Apply, which serializes
// access per document.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// Loader reads a document's persisted tabs and raw cell inputs.
type Loader interface {
	ListTabs(ctx context.Context, documentID int64) ([]tab.Tab, error)
	ListCells(ctx context.Context, documentID, tabID int64) ([]cell.Stored, error)
}

type document struct {
	mu sync.Mutex
	wb *Workbook
}

// Engine is the process-wide registry of loaded workbooks.
type Engine struct {
	loader Loader
	logger *slog.Logger

	mu   sync.Mutex
	docs map[int64]*document
}

// New creates an Engine that loads documents lazily through loader.
func New(loader Loader, logger *slog.Logger) *Engine {
	return &Engine{
		loader: loader,
		logger: logger,
		docs:   make(map[int64]*document),
	}
}

func (e *Engine) doc(documentID int64) *document {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[documentID]
	if !ok {
		d = &document{}
		e.docs[documentID] = d
	}
	return d
}

// Apply runs fn against the document's workbook while holding the
// document's lock, loading it from storage on first use. Mutations of
// different documents never contend.
func (e *Engine) Apply(ctx context.Context, documentID int64, fn func(*Workbook) error) error {
	d := e.doc(documentID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.wb == nil {
		wb, err := e.load(ctx, documentID)
		if err != nil {
			return err
		}
		d.wb = wb
	}
	return fn(d.wb)
}

func (e *Engine) load(ctx context.Context, documentID int64) (*Workbook, error) {
	start := time.Now()
	tabs, err := e.loader.ListTabs(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load tabs for document %d: %w", documentID, err)
	}

	var stored []cell.Stored
	for _, t := range tabs {
		cells, err := e.loader.ListCells(ctx, documentID, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load cells for tab %d: %w", t.ID, err)
		}
		stored = append(stored, cells...)
	}

	wb := NewWorkbook()
	wb.Load(tabs, stored)
	e.logger.Info("document loaded",
		"document_id", documentID,
		"tabs", len(tabs),
		"cells", wb.Len(),
		"edges", wb.deps.edges(),
		"duration", time.Since(start),
	)
	return wb, nil
}

// Open loads a document if it is not cached yet.
func (e *Engine) Open(ctx context.Context, documentID int64) error {
	return e.Apply(ctx, documentID, func(*Workbook) error { return nil })
}

// Evict drops a cached document; the next access reloads it.
func (e *Engine) Evict(documentID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, documentID)
}

// SetCell is Apply around Workbook.SetCell.
func (e *Engine) SetCell(ctx context.Context, documentID, tabID int64, row, col int, input cell.Value) ([]cell.Change, error) {
	var changes []cell.Change
	err := e.Apply(ctx, documentID, func(wb *Workbook) error {
		var err error
		changes, err = wb.SetCell(tabID, row, col, input)
		return err
	})
	return changes, err
}

// Snapshot returns a copy of the document's tabs and cells.
func (e *Engine) Snapshot(ctx context.Context, documentID int64) (Snapshot, error) {
	var snap Snapshot
	err := e.Apply(ctx, documentID, func(wb *Workbook) error {
		snap = wb.Snapshot()
		return nil
	})
	return snap, err
}
