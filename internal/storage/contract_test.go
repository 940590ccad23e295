package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
)

// runStoreContract exercises every Store operation against a fresh backend.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateDocument", func(t *testing.T) { testCreateDocument(t, open(t)) })
	t.Run("Permissions", func(t *testing.T) { testPermissions(t, open(t)) })
	t.Run("Tabs", func(t *testing.T) { testTabs(t, open(t)) })
	t.Run("Cells", func(t *testing.T) { testCells(t, open(t)) })
	t.Run("CellsPage", func(t *testing.T) { testCellsPage(t, open(t)) })
}

func testCreateDocument(t *testing.T, s Store) {
	ctx := context.Background()

	doc, first, err := s.CreateDocument(ctx, "Budget", 7)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if doc.ID == 0 {
		t.Error("expected non-zero document ID")
	}
	if first.Name != DefaultTabName || first.Position != 0 {
		t.Errorf("first tab: got %+v, want %s at 0", first, DefaultTabName)
	}

	got, err := s.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Name != "Budget" || got.OwnerID != 7 {
		t.Errorf("GetDocument: got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected non-zero CreatedAt")
	}

	role, err := s.Role(ctx, doc.ID, 7)
	if err != nil {
		t.Fatalf("Role: %v", err)
	}
	if role != RoleOwner {
		t.Errorf("creator role: got %q, want %q", role, RoleOwner)
	}

	if _, err := s.GetDocument(ctx, doc.ID+1000); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("GetDocument unknown: got %v, want ErrDocumentNotFound", err)
	}
}

func testPermissions(t *testing.T, s Store) {
	ctx := context.Background()
	doc, _, err := s.CreateDocument(ctx, "Shared", 1)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	if _, err := s.Role(ctx, doc.ID, 2); !errors.Is(err, ErrNoPermission) {
		t.Errorf("Role before grant: got %v, want ErrNoPermission", err)
	}

	if err := s.Grant(ctx, doc.ID, 2, RoleViewer); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Grant(ctx, doc.ID, 2, RoleEditor); err != nil {
		t.Fatalf("Grant upsert: %v", err)
	}

	role, err := s.Role(ctx, doc.ID, 2)
	if err != nil {
		t.Fatalf("Role: %v", err)
	}
	if role != RoleEditor {
		t.Errorf("Role after upsert: got %q, want %q", role, RoleEditor)
	}
}

func testTabs(t *testing.T, s Store) {
	ctx := context.Background()
	doc, first, err := s.CreateDocument(ctx, "Tabs", 1)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	second, err := s.CreateTab(ctx, doc.ID, "Sheet2")
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	third, err := s.CreateTab(ctx, doc.ID, "Sheet3")
	if err != nil {
		t.Fatalf("CreateTab: %v", err)
	}
	if second.Position != 1 || third.Position != 2 {
		t.Errorf("positions: got %d,%d, want 1,2", second.Position, third.Position)
	}

	if err := s.RenameTab(ctx, doc.ID, second.ID, "Data"); err != nil {
		t.Fatalf("RenameTab: %v", err)
	}
	if err := s.RenameTab(ctx, doc.ID, second.ID+1000, "x"); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("RenameTab unknown: got %v, want ErrTabNotFound", err)
	}

	if err := s.ReorderTabs(ctx, doc.ID, []int64{third.ID, first.ID, second.ID}); err != nil {
		t.Fatalf("ReorderTabs: %v", err)
	}
	tabs, err := s.ListTabs(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	if len(tabs) != 3 || tabs[0].ID != third.ID || tabs[2].Name != "Data" {
		t.Errorf("ListTabs after reorder: got %+v", tabs)
	}

	if err := s.UpsertCell(ctx, cell.WriteRequest{DocumentID: doc.ID, TabID: first.ID, Input: cell.Number(1), UserID: 1}); err != nil {
		t.Fatalf("UpsertCell: %v", err)
	}
	if err := s.DeleteTab(ctx, doc.ID, first.ID); err != nil {
		t.Fatalf("DeleteTab: %v", err)
	}
	if err := s.DeleteTab(ctx, doc.ID, first.ID); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("DeleteTab twice: got %v, want ErrTabNotFound", err)
	}

	tabs, err = s.ListTabs(ctx, doc.ID)
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	for i, tb := range tabs {
		if tb.Position != i {
			t.Errorf("tab %d position: got %d, want %d", tb.ID, tb.Position, i)
		}
	}
	cells, err := s.ListCells(ctx, doc.ID, first.ID)
	if err != nil {
		t.Fatalf("ListCells: %v", err)
	}
	if len(cells) != 0 {
		t.Errorf("cells of deleted tab: got %d, want 0", len(cells))
	}
}

func testCells(t *testing.T, s Store) {
	ctx := context.Background()
	doc, first, err := s.CreateDocument(ctx, "Cells", 1)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	writes := []cell.WriteRequest{
		{DocumentID: doc.ID, TabID: first.ID, Row: 0, Col: 0, Input: cell.Number(5), UserID: 1, UserName: "ana"},
		{DocumentID: doc.ID, TabID: first.ID, Row: 0, Col: 1, Input: cell.Text("=A1+1"), UserID: 1, UserName: "ana"},
		{DocumentID: doc.ID, TabID: first.ID, Row: 2, Col: 0, Input: cell.Text("007"), UserID: 2, UserName: "bo"},
	}
	for _, w := range writes {
		if err := s.UpsertCell(ctx, w); err != nil {
			t.Fatalf("UpsertCell: %v", err)
		}
	}

	// overwrite keeps one row and moves the writer
	if err := s.UpsertCell(ctx, cell.WriteRequest{
		DocumentID: doc.ID, TabID: first.ID, Row: 0, Col: 0, Input: cell.Number(2.5), UserID: 2, UserName: "bo",
	}); err != nil {
		t.Fatalf("UpsertCell overwrite: %v", err)
	}

	cells, err := s.ListCells(ctx, doc.ID, first.ID)
	if err != nil {
		t.Fatalf("ListCells: %v", err)
	}
	if len(cells) != 3 {
		t.Fatalf("ListCells: got %d cells, want 3", len(cells))
	}
	if !cells[0].Input.Equal(cell.Number(2.5)) {
		t.Errorf("A1: got %v, want 2.5", cells[0].Input)
	}
	if !cells[1].Input.Equal(cell.Text("=A1+1")) {
		t.Errorf("B1: got %v, want formula text", cells[1].Input)
	}
	if !cells[2].Input.Equal(cell.Text("007")) {
		t.Errorf("A3: got %v, want text 007", cells[2].Input)
	}

	meta, err := s.GetCellMeta(ctx, doc.ID, first.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetCellMeta: %v", err)
	}
	if meta.UpdatedBy != 2 || meta.UpdatedByName != "bo" {
		t.Errorf("meta writer: got %d/%q, want 2/bo", meta.UpdatedBy, meta.UpdatedByName)
	}
	if meta.UpdatedAt.IsZero() {
		t.Error("expected non-zero UpdatedAt")
	}

	// an empty write deletes
	if err := s.UpsertCell(ctx, cell.WriteRequest{DocumentID: doc.ID, TabID: first.ID, Row: 0, Col: 0, UserID: 1}); err != nil {
		t.Fatalf("UpsertCell empty: %v", err)
	}
	if _, err := s.GetCellMeta(ctx, doc.ID, first.ID, 0, 0); !errors.Is(err, ErrCellNotFound) {
		t.Errorf("GetCellMeta after delete: got %v, want ErrCellNotFound", err)
	}
	if err := s.DeleteCell(ctx, doc.ID, first.ID, 40, 40); err != nil {
		t.Errorf("DeleteCell absent: %v", err)
	}
}

func testCellsPage(t *testing.T, s Store) {
	ctx := context.Background()
	doc, first, err := s.CreateDocument(ctx, "Paged", 1)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	for row := range 3 {
		for col := range 2 {
			if err := s.UpsertCell(ctx, cell.WriteRequest{
				DocumentID: doc.ID, TabID: first.ID, Row: row, Col: col, Input: cell.Number(float64(row*10 + col)), UserID: 1,
			}); err != nil {
				t.Fatalf("UpsertCell: %v", err)
			}
		}
	}

	var (
		seen   []cell.Stored
		cursor string
		pages  int
	)
	for {
		page, err := s.ListCellsPage(ctx, doc.ID, first.ID, cursor, 4)
		if err != nil {
			t.Fatalf("ListCellsPage: %v", err)
		}
		pages++
		seen = append(seen, page.Cells...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	if pages != 2 {
		t.Errorf("pages: got %d, want 2", pages)
	}
	if len(seen) != 6 {
		t.Fatalf("cells: got %d, want 6", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		if prev.Row > cur.Row || (prev.Row == cur.Row && prev.Col >= cur.Col) {
			t.Errorf("cells out of order at %d: %+v then %+v", i, prev, cur)
		}
	}

	if _, err := s.ListCellsPage(ctx, doc.ID, first.ID, "not-a-cursor", 4); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("invalid cursor: got %v, want ErrInvalidCursor", err)
	}
}
