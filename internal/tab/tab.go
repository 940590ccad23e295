// Package tab keeps the ordered id↔name table of a document's worksheets.
package tab

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is returned when a tab id is not registered.
	ErrNotFound = errors.New("tab not found")
	// ErrLastTab is returned when removing the only remaining tab.
	ErrLastTab = errors.New("cannot delete the last tab")
	// ErrDuplicateID is returned when adding a tab whose id is already present.
	ErrDuplicateID = errors.New("duplicate tab id")
)

// Tab is one worksheet of a document.
type Tab struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Registry is the ordered tab table of one document. Positions are always
// 0-based and contiguous. Not safe for concurrent use.
type Registry struct {
	tabs []Tab
}

// NewRegistry builds a registry from tabs in any order. Tabs are ordered by
// their stored position (ties broken by id) and then reindexed.
func NewRegistry(tabs ...Tab) *Registry {
	r := &Registry{tabs: slices.Clone(tabs)}
	slices.SortStableFunc(r.tabs, func(a, b Tab) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	r.reindex()
	return r
}

func (r *Registry) reindex() {
	for i := range r.tabs {
		r.tabs[i].Position = i
	}
}

// Len returns the number of tabs.
func (r *Registry) Len() int {
	return len(r.tabs)
}

// List returns a copy of the tabs in display order.
func (r *Registry) List() []Tab {
	return slices.Clone(r.tabs)
}

// Order returns tab ids in display order.
func (r *Registry) Order() []int64 {
	ids := make([]int64, len(r.tabs))
	for i, t := range r.tabs {
		ids[i] = t.ID
	}
	return ids
}

// First returns the tab at position 0.
func (r *Registry) First() (Tab, bool) {
	if len(r.tabs) == 0 {
		return Tab{}, false
	}
	return r.tabs[0], true
}

// ByID returns the tab with the given id.
func (r *Registry) ByID(id int64) (Tab, bool) {
	if i := r.index(id); i >= 0 {
		return r.tabs[i], true
	}
	return Tab{}, false
}

// ByName resolves a sheet qualifier to a tab id. Matching is exact after
// trimming surrounding whitespace and NFC normalization. When several tabs
// share a name the first in display order wins.
func (r *Registry) ByName(name string) (int64, bool) {
	want := canonicalName(name)
	for _, t := range r.tabs {
		if canonicalName(t.Name) == want {
			return t.ID, true
		}
	}
	return 0, false
}

func canonicalName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Add appends a tab at the end of the display order.
func (r *Registry) Add(t Tab) error {
	if r.index(t.ID) >= 0 {
		return fmt.Errorf("add tab %d: %w", t.ID, ErrDuplicateID)
	}
	t.Position = len(r.tabs)
	r.tabs = append(r.tabs, t)
	return nil
}

// Rename changes a tab's display name.
func (r *Registry) Rename(id int64, name string) error {
	i := r.index(id)
	if i < 0 {
		return fmt.Errorf("rename tab %d: %w", id, ErrNotFound)
	}
	r.tabs[i].Name = name
	return nil
}

// Move splices a tab to a new position and reindexes. Out-of-range
// positions are clamped.
func (r *Registry) Move(id int64, position int) error {
	i := r.index(id)
	if i < 0 {
		return fmt.Errorf("move tab %d: %w", id, ErrNotFound)
	}
	position = max(0, min(position, len(r.tabs)-1))

	t := r.tabs[i]
	r.tabs = slices.Delete(r.tabs, i, i+1)
	r.tabs = slices.Insert(r.tabs, position, t)
	r.reindex()
	return nil
}

// Remove deletes a tab. The last remaining tab can never be removed.
func (r *Registry) Remove(id int64) error {
	i := r.index(id)
	if i < 0 {
		return fmt.Errorf("remove tab %d: %w", id, ErrNotFound)
	}
	if len(r.tabs) == 1 {
		return ErrLastTab
	}
	r.tabs = slices.Delete(r.tabs, i, i+1)
	r.reindex()
	return nil
}

func (r *Registry) index(id int64) int {
	return slices.IndexFunc(r.tabs, func(t Tab) bool { return t.ID == id })
}
