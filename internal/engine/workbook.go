package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/formula"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

var (
	// ErrUnknownTab is returned when a mutation targets a tab the workbook does not have.
	ErrUnknownTab = errors.New("unknown tab")
	// ErrLastTab is returned when deleting the only tab of a document.
	ErrLastTab = tab.ErrLastTab
	// ErrInvalidCoordinates is returned for negative rows or columns.
	ErrInvalidCoordinates = errors.New("invalid cell coordinates")
)

// Workbook is the cell store, dependency graph and tab registry of one
// document. All writes go through its methods; it is not safe for
// concurrent use (Engine serializes access).
type Workbook struct {
	tabs  *tab.Registry
	cells map[cell.Key]cell.Record
	exprs map[cell.Key]*formula.Expr
	deps  *graph
}

// NewWorkbook returns an empty workbook with the given tabs.
func NewWorkbook(tabs ...tab.Tab) *Workbook {
	return &Workbook{
		tabs:  tab.NewRegistry(tabs...),
		cells: make(map[cell.Key]cell.Record),
		exprs: make(map[cell.Key]*formula.Expr),
		deps:  newGraph(),
	}
}

// ByName implements ref.Lookup against the current tab names.
func (w *Workbook) ByName(name string) (int64, bool) {
	return w.tabs.ByName(name)
}

// Record implements formula.Source.
func (w *Workbook) Record(k cell.Key) (cell.Record, bool) {
	r, ok := w.cells[k]
	return r, ok
}

// Expr implements formula.Compiled.
func (w *Workbook) Expr(k cell.Key) (*formula.Expr, bool) {
	e, ok := w.exprs[k]
	return e, ok
}

// Cell returns a copy of the record stored at k.
func (w *Workbook) Cell(k cell.Key) (cell.Record, bool) {
	r, ok := w.cells[k]
	if !ok {
		return cell.Record{}, false
	}
	r.Refs = slices.Clone(r.Refs)
	return r, true
}

// Len returns the number of non-empty cells.
func (w *Workbook) Len() int {
	return len(w.cells)
}

// Tabs returns the tabs in display order.
func (w *Workbook) Tabs() []tab.Tab {
	return w.tabs.List()
}

// Tab returns the tab with the given id.
func (w *Workbook) Tab(id int64) (tab.Tab, bool) {
	return w.tabs.ByID(id)
}

// FirstTab returns the tab at position 0.
func (w *Workbook) FirstTab() (tab.Tab, bool) {
	return w.tabs.First()
}

// SetCell writes input at (tabID, row, col) and recomputes every transitive
// dependent. The returned changes start with the written cell, followed by
// each affected dependent exactly once in depth-first, key-sorted order.
func (w *Workbook) SetCell(tabID int64, row, col int, input cell.Value) ([]cell.Change, error) {
	if _, ok := w.tabs.ByID(tabID); !ok {
		return nil, fmt.Errorf("set cell on tab %d: %w", tabID, ErrUnknownTab)
	}
	if row < 0 || col < 0 {
		return nil, fmt.Errorf("set cell %d,%d: %w", row, col, ErrInvalidCoordinates)
	}
	k := cell.Key{TabID: tabID, Row: row, Col: col}

	w.unlink(k)
	pass := formula.NewPass(w)
	w.store(pass, k, input)

	rec := w.cells[k]
	changes := []cell.Change{{
		TabID: k.TabID,
		Row:   k.Row,
		Col:   k.Col,
		Value: rec.Value,
		Input: input,
	}}
	visited := map[cell.Key]bool{k: true}
	return w.propagate(pass, k, visited, changes), nil
}

// SetComputed overwrites the computed value of a cell without touching its
// input, formula or edges. Clients use it to apply server-derived values.
func (w *Workbook) SetComputed(k cell.Key, v cell.Value) {
	rec, ok := w.cells[k]
	if !ok {
		if v.IsEmpty() {
			return
		}
		w.cells[k] = cell.Record{Input: v, Value: v}
		return
	}
	rec.Value = v
	w.cells[k] = rec
}

// store classifies input and writes the record for k. Formula edges are
// registered before evaluation; empty input deletes the record.
func (w *Workbook) store(pass *formula.Pass, k cell.Key, input cell.Value) {
	switch {
	case input.IsEmpty():
		delete(w.cells, k)
		delete(w.exprs, k)
	case input.IsFormula():
		text := input.Str()
		refs := w.compile(k, text)
		w.link(k, refs)
		w.cells[k] = cell.Record{
			Input:   input,
			Formula: text,
			Value:   pass.Evaluate(k, text),
			Refs:    refs,
		}
	default:
		delete(w.exprs, k)
		w.cells[k] = cell.Record{Input: input, Value: input}
	}
}

// compile parses the formula stored at k, keeps the parsed form for later
// evaluations and returns its references. Unparseable text has none.
func (w *Workbook) compile(k cell.Key, text string) []cell.Key {
	expr, err := formula.Parse(text)
	if err != nil {
		delete(w.exprs, k)
		return nil
	}
	w.exprs[k] = expr
	return expr.References(k.TabID, w.tabs)
}

func (w *Workbook) link(k cell.Key, refs []cell.Key) {
	for _, r := range refs {
		w.deps.add(r, k)
	}
}

// unlink removes k's own outgoing references from the graph.
func (w *Workbook) unlink(k cell.Key) {
	rec, ok := w.cells[k]
	if !ok {
		return
	}
	for _, r := range rec.Refs {
		w.deps.remove(r, k)
	}
}

// propagate re-evaluates the transitive dependents of k depth-first in key
// order. visited guards against cycles and repeated emission; pass shares
// results between dependents.
func (w *Workbook) propagate(pass *formula.Pass, k cell.Key, visited map[cell.Key]bool, changes []cell.Change) []cell.Change {
	for _, d := range w.deps.of(k) {
		if visited[d] {
			continue
		}
		visited[d] = true
		changes = w.recompute(pass, d, changes)
		changes = w.propagate(pass, d, visited, changes)
	}
	return changes
}

func (w *Workbook) recompute(pass *formula.Pass, d cell.Key, changes []cell.Change) []cell.Change {
	rec, ok := w.cells[d]
	if !ok || !rec.IsFormula() {
		return changes
	}
	rec.Value = pass.Evaluate(d, rec.Formula)
	w.cells[d] = rec
	return append(changes, cell.Change{
		TabID:   d.TabID,
		Row:     d.Row,
		Col:     d.Col,
		Value:   rec.Value,
		Input:   rec.Input,
		Derived: true,
	})
}

// Load replaces the workbook contents. All records are inserted first,
// every formula is then evaluated against the complete store, and the
// dependency index is built in a final pass over the formulas' references.
// Cells on unknown tabs and empty inputs are skipped.
func (w *Workbook) Load(tabs []tab.Tab, stored []cell.Stored) {
	w.tabs = tab.NewRegistry(tabs...)
	w.cells = make(map[cell.Key]cell.Record, len(stored))
	w.exprs = make(map[cell.Key]*formula.Expr)
	w.deps = newGraph()

	var formulas []cell.Key
	for _, s := range stored {
		if s.Input.IsEmpty() || s.Row < 0 || s.Col < 0 {
			continue
		}
		if _, ok := w.tabs.ByID(s.TabID); !ok {
			continue
		}
		k := cell.Key{TabID: s.TabID, Row: s.Row, Col: s.Col}
		if !s.Input.IsFormula() {
			w.cells[k] = cell.Record{Input: s.Input, Value: s.Input}
			continue
		}
		text := s.Input.Str()
		w.cells[k] = cell.Record{Input: s.Input, Formula: text, Refs: w.compile(k, text)}
		formulas = append(formulas, k)
	}
	slices.SortFunc(formulas, cell.Key.Compare)

	pass := formula.NewPass(w)
	values := make(map[cell.Key]cell.Value, len(formulas))
	for _, k := range formulas {
		values[k] = pass.Evaluate(k, w.cells[k].Formula)
	}
	for _, k := range formulas {
		rec := w.cells[k]
		rec.Value = values[k]
		w.cells[k] = rec
		w.link(k, rec.Refs)
	}
}

// AddTab appends a tab.
func (w *Workbook) AddTab(t tab.Tab) error {
	return w.tabs.Add(t)
}

// RenameTab changes a tab's name. Stored references are not re-resolved;
// later evaluations see the new name table.
func (w *Workbook) RenameTab(id int64, name string) error {
	if err := w.tabs.Rename(id, name); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownTab, err)
	}
	return nil
}

// MoveTab repositions a tab.
func (w *Workbook) MoveTab(id int64, position int) error {
	if err := w.tabs.Move(id, position); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownTab, err)
	}
	return nil
}

// RemoveTab deletes a tab together with its cells and every edge touching
// them. Surviving formulas that referenced the removed cells are
// re-resolved and recomputed; their changes are returned. Removed keys are
// never visited.
func (w *Workbook) RemoveTab(id int64) ([]cell.Change, error) {
	if _, ok := w.tabs.ByID(id); !ok {
		return nil, fmt.Errorf("remove tab %d: %w", id, ErrUnknownTab)
	}
	if w.tabs.Len() == 1 {
		return nil, ErrLastTab
	}

	// Referenced-but-empty keys on the tab carry edges too.
	seen := make(map[cell.Key]struct{})
	for k := range w.cells {
		if k.TabID == id {
			seen[k] = struct{}{}
		}
	}
	for k := range w.deps.dependents {
		if k.TabID == id {
			seen[k] = struct{}{}
		}
	}
	removed := make([]cell.Key, 0, len(seen))
	for k := range seen {
		removed = append(removed, k)
	}
	slices.SortFunc(removed, cell.Key.Compare)

	affected := make(map[cell.Key]struct{})
	for _, k := range removed {
		for _, d := range w.deps.of(k) {
			if d.TabID != id {
				affected[d] = struct{}{}
			}
		}
	}

	for _, k := range removed {
		w.unlink(k)
		w.deps.drop(k)
		delete(w.cells, k)
		delete(w.exprs, k)
	}
	if err := w.tabs.Remove(id); err != nil {
		return nil, err
	}

	survivors := make([]cell.Key, 0, len(affected))
	for d := range affected {
		survivors = append(survivors, d)
	}
	slices.SortFunc(survivors, cell.Key.Compare)

	for _, d := range survivors {
		rec := w.cells[d]
		w.unlink(d)
		rec.Refs = w.compile(d, rec.Formula)
		w.cells[d] = rec
		w.link(d, rec.Refs)
	}

	var changes []cell.Change
	pass := formula.NewPass(w)
	visited := make(map[cell.Key]bool, len(survivors))
	for _, d := range survivors {
		if visited[d] {
			continue
		}
		visited[d] = true
		changes = w.recompute(pass, d, changes)
		changes = w.propagate(pass, d, visited, changes)
	}
	return changes, nil
}

// DuplicateTab adds t and copies every raw input of tab src onto it through
// the normal write path. Unqualified references in copied formulas resolve
// against the new tab.
func (w *Workbook) DuplicateTab(src int64, t tab.Tab) ([]cell.Change, error) {
	if _, ok := w.tabs.ByID(src); !ok {
		return nil, fmt.Errorf("duplicate tab %d: %w", src, ErrUnknownTab)
	}
	var keys []cell.Key
	for k := range w.cells {
		if k.TabID == src {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, cell.Key.Compare)

	if err := w.tabs.Add(t); err != nil {
		return nil, err
	}

	var changes []cell.Change
	for _, k := range keys {
		c, err := w.SetCell(t.ID, k.Row, k.Col, w.cells[k].Input)
		if err != nil {
			return changes, err
		}
		changes = append(changes, c...)
	}
	return changes, nil
}

// Entry is one cell of a Snapshot.
type Entry struct {
	cell.Key
	Input cell.Value `json:"input"`
	Value cell.Value `json:"value"`
}

// Snapshot is a point-in-time copy of a workbook.
type Snapshot struct {
	Tabs  []tab.Tab `json:"tabs"`
	Cells []Entry   `json:"cells"`
}

// Snapshot copies the tabs and every cell in key order.
func (w *Workbook) Snapshot() Snapshot {
	entries := make([]Entry, 0, len(w.cells))
	for k, rec := range w.cells {
		entries = append(entries, Entry{Key: k, Input: rec.Input, Value: rec.Value})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.Key.Compare(b.Key) })
	return Snapshot{Tabs: w.tabs.List(), Cells: entries}
}
