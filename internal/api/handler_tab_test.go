package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

func tabsPath(documentID int64) string {
	return "/v1/documents/" + itoa(documentID) + "/tabs"
}

func TestAddTab_DefaultName(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, 1, "Tabs")

	w := env.do(t, http.MethodPost, tabsPath(doc.ID), 1, map[string]string{})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want %d\nbody: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	tabs := decode[[]tab.Tab](t, w)
	if len(tabs) != 2 || tabs[1].Name != "Sheet2" || tabs[1].Position != 1 {
		t.Errorf("tabs: got %+v, want Sheet2 appended", tabs)
	}

	stored, err := env.store.ListTabs(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ListTabs: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("stored tabs: got %d, want 2", len(stored))
	}
}

func TestAddTab_ViewerForbidden(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, 1, "Tabs")
	if err := env.store.Grant(context.Background(), doc.ID, 2, storage.RoleViewer); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	w := env.do(t, http.MethodPost, tabsPath(doc.ID), 2, map[string]string{"name": "Mine"})
	if w.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestRenameMoveDuplicateTab(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, 1, "Tabs")
	first := doc.Tabs[0].ID

	if err := env.store.UpsertCell(context.Background(), cell.WriteRequest{
		DocumentID: doc.ID, TabID: first, Row: 0, Col: 0, Input: cell.Number(3), UserID: 1,
	}); err != nil {
		t.Fatalf("UpsertCell: %v", err)
	}

	w := env.do(t, http.MethodPatch, tabsPath(doc.ID)+"/"+itoa(first), 1, map[string]string{"name": "Inputs"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename: got %d\nbody: %s", w.Code, w.Body.String())
	}
	if tabs := decode[[]tab.Tab](t, w); tabs[0].Name != "Inputs" {
		t.Errorf("rename: got %+v", tabs)
	}

	w = env.do(t, http.MethodPost, tabsPath(doc.ID)+"/"+itoa(first)+"/duplicate", 1, map[string]string{})
	if w.Code != http.StatusCreated {
		t.Fatalf("duplicate: got %d\nbody: %s", w.Code, w.Body.String())
	}
	tabs := decode[[]tab.Tab](t, w)
	if len(tabs) != 2 || tabs[1].Name != "Inputs (copy)" {
		t.Fatalf("duplicate: got %+v", tabs)
	}
	copied, err := env.store.ListCells(context.Background(), doc.ID, tabs[1].ID)
	if err != nil {
		t.Fatalf("ListCells: %v", err)
	}
	if len(copied) != 1 || !copied[0].Input.Equal(cell.Number(3)) {
		t.Errorf("copied cells: got %+v", copied)
	}

	w = env.do(t, http.MethodPost, tabsPath(doc.ID)+"/"+itoa(first)+"/move", 1, map[string]int{"position": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("move: got %d\nbody: %s", w.Code, w.Body.String())
	}
	tabs = decode[[]tab.Tab](t, w)
	if tabs[1].ID != first || tabs[1].Position != 1 {
		t.Errorf("move clamps to the end: got %+v", tabs)
	}
}

func TestDeleteTab(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, 1, "Tabs")
	first := doc.Tabs[0].ID

	w := env.do(t, http.MethodDelete, tabsPath(doc.ID)+"/"+itoa(first), 1, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("last tab: got %d, want %d", w.Code, http.StatusConflict)
	}

	env.do(t, http.MethodPost, tabsPath(doc.ID), 1, map[string]string{"name": "Other"})
	w = env.do(t, http.MethodDelete, tabsPath(doc.ID)+"/"+itoa(first), 1, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d\nbody: %s", w.Code, w.Body.String())
	}
	tabs := decode[[]tab.Tab](t, w)
	if len(tabs) != 1 || tabs[0].Name != "Other" || tabs[0].Position != 0 {
		t.Errorf("tabs after delete: got %+v", tabs)
	}
}

func TestTab_Unknown(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, 1, "Tabs")

	w := env.do(t, http.MethodPatch, tabsPath(doc.ID)+"/999", 1, map[string]string{"name": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want %d", w.Code, http.StatusNotFound)
	}
}
