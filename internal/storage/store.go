package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

var (
	// ErrCellNotFound is returned when a cell lookup finds no matching row.
	ErrCellNotFound = errors.New("cell not found")
	// ErrNoPermission is returned when a user holds no role on a document.
	ErrNoPermission = errors.New("no permission")
	// ErrTabNotFound is returned when a tab does not belong to the document.
	ErrTabNotFound = errors.New("tab not found")
	// ErrDocumentNotFound is returned when a document id is unknown.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrInvalidCursor is returned when a page cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Role is a user's access level on a document.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role may edit cells and tabs.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanGrant reports whether the role may share the document.
func (r Role) CanGrant() bool {
	return r == RoleOwner
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleEditor, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("invalid role %q", s)
}

// Document is a spreadsheet owned by a user.
type Document struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultTabName is the name of the tab every new document starts with.
const DefaultTabName = "Sheet1"

// CellStore persists raw cell inputs.
type CellStore interface {
	// ListCells returns every stored input of a tab.
	ListCells(ctx context.Context, documentID, tabID int64) ([]cell.Stored, error)

	// UpsertCell writes the raw input and who wrote it. An empty input deletes the row.
	UpsertCell(ctx context.Context, req cell.WriteRequest) error

	// DeleteCell removes a stored input. Deleting an absent cell is not an error.
	DeleteCell(ctx context.Context, documentID, tabID int64, row, col int) error

	// GetCellMeta returns the last writer of a cell.
	GetCellMeta(ctx context.Context, documentID, tabID int64, row, col int) (*cell.Meta, error)

	// ListCellsPage reads a tab's stored inputs in (row, column) order.
	ListCellsPage(ctx context.Context, documentID, tabID int64, cursor string, limit int) (*Page, error)
}

// TabStore persists the tabs of a document.
type TabStore interface {
	ListTabs(ctx context.Context, documentID int64) ([]tab.Tab, error)

	// CreateTab appends a tab after the last position.
	CreateTab(ctx context.Context, documentID int64, name string) (tab.Tab, error)

	RenameTab(ctx context.Context, documentID, tabID int64, name string) error

	// DeleteTab removes the tab, its cells, and closes the position gap.
	DeleteTab(ctx context.Context, documentID, tabID int64) error

	// ReorderTabs rewrites positions so that ids[i] is at position i.
	ReorderTabs(ctx context.Context, documentID int64, ids []int64) error
}

// PermissionStore persists document roles.
type PermissionStore interface {
	Role(ctx context.Context, documentID, userID int64) (Role, error)
	Grant(ctx context.Context, documentID, userID int64, role Role) error
}

// DocumentStore creates and reads documents.
type DocumentStore interface {
	// CreateDocument creates the document, the owner's permission and its first tab.
	CreateDocument(ctx context.Context, name string, ownerID int64) (Document, tab.Tab, error)
	GetDocument(ctx context.Context, documentID int64) (Document, error)
}

// Store is a complete persistence backend.
type Store interface {
	CellStore
	TabStore
	PermissionStore
	DocumentStore

	Ping(ctx context.Context) error
	Close()
}

// Page is one page of a cell listing.
type Page struct {
	Cells      []cell.Stored `json:"cells"`
	NextCursor string        `json:"next_cursor,omitempty"`
	HasMore    bool          `json:"has_more"`
}

const (
	defaultPageLimit = 1000
	maxPageLimit     = 10000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageLimit
	case limit > maxPageLimit:
		return maxPageLimit
	}
	return limit
}

// decodeAfter returns the position the page starts after; an empty cursor
// starts before the first cell.
func decodeAfter(cursor string) (row, col int, err error) {
	if cursor == "" {
		return -1, -1, nil
	}
	c, err := DecodeCursor(cursor)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
	}
	return c.Row, c.Col, nil
}

// finishPage sets the next cursor when the page is full.
func finishPage(cells []cell.Stored, limit int) (*Page, error) {
	page := &Page{Cells: cells}
	if len(cells) < limit {
		return page, nil
	}
	last := cells[len(cells)-1]
	next := Cursor{Row: last.Row, Col: last.Col}
	encoded, err := next.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode next cursor: %w", err)
	}
	page.NextCursor = encoded
	page.HasMore = true
	return page, nil
}

func encodeInput(v cell.Value) ([]byte, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode cell value: %w", err)
	}
	return data, nil
}

func decodeInput(raw []byte) (cell.Value, error) {
	v, err := cell.ParseInput(raw)
	if err != nil {
		return cell.Value{}, fmt.Errorf("decode cell value: %w", err)
	}
	return v, nil
}
