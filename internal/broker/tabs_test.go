package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

func tabNames(tabs []tab.Tab) []string {
	out := make([]string, len(tabs))
	for i, t := range tabs {
		out[i] = t.Name
	}
	return out
}

func TestAddTab_DefaultNameAndBroadcast(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)

	tabs, err := f.broker.AddTab(context.Background(), ana.user, doc, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1", "Sheet2"}, tabNames(tabs))

	changed := payloads[TabsChanged](t, ana, EventTabsChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, tabs, changed[0].Tabs)

	stored, _ := f.store.ListTabs(context.Background(), doc)
	assert.Equal(t, tabs, stored)
}

func TestTabOps_RequireWriteRole(t *testing.T) {
	f := newFixture(t, nil)
	viewer := newSession("s1", 3, "vic")
	f.join(t, viewer, storage.RoleViewer)

	_, err := f.broker.AddTab(context.Background(), viewer.user, doc, "Nope")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.broker.RenameTab(context.Background(), User{ID: 99}, doc, 10, "x")
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Empty(t, viewer.events())
}

func TestRenameTab_ReresolvesAtEvaluation(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	ctx := context.Background()

	tabs, err := f.broker.AddTab(ctx, ana.user, doc, "Data")
	require.NoError(t, err)
	data := tabs[1].ID

	f.write(t, ana, 0, 0, `"=Data!A1+1"`)
	f.flush(t)
	assert.True(t, f.computed(t, 10, 0, 0).Equal(cell.Number(1)))

	tabs, err = f.broker.RenameTab(ctx, ana.user, doc, data, "Inputs")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1", "Inputs"}, tabNames(tabs))

	_, err = f.broker.RenameTab(ctx, ana.user, doc, 999, "x")
	assert.ErrorIs(t, err, engine.ErrUnknownTab)
}

func TestMoveTab(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleOwner)
	ctx := context.Background()

	_, err := f.broker.AddTab(ctx, ana.user, doc, "")
	require.NoError(t, err)
	tabs, err := f.broker.AddTab(ctx, ana.user, doc, "")
	require.NoError(t, err)
	third := tabs[2].ID

	tabs, err = f.broker.MoveTab(ctx, ana.user, doc, third, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet3", "Sheet1", "Sheet2"}, tabNames(tabs))
	for i, tb := range tabs {
		assert.Equal(t, i, tb.Position)
	}

	stored, _ := f.store.ListTabs(ctx, doc)
	assert.Equal(t, tabNames(tabs), tabNames(stored))
}

func TestDeleteTab_RecomputesDependents(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	ctx := context.Background()

	tabs, err := f.broker.AddTab(ctx, ana.user, doc, "Data")
	require.NoError(t, err)
	data := tabs[1].ID

	require.NoError(t, f.broker.Mutate(ctx, ana, Update{DocumentID: doc, TabID: &data, Row: 0, Column: 0, Value: []byte(`5`)}))
	f.write(t, ana, 0, 0, `"=Data!A1*2"`)
	f.flush(t)
	require.True(t, f.computed(t, 10, 0, 0).Equal(cell.Number(10)))
	ana.reset()

	tabs, err = f.broker.DeleteTab(ctx, ana.user, doc, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1"}, tabNames(tabs))

	assert.Equal(t, []string{EventTabsChanged, EventCellUpdate}, ana.events())
	updates := payloads[CellUpdate](t, ana, EventCellUpdate)
	assert.True(t, updates[0].Derived)
	assert.True(t, updates[0].Computed.Equal(cell.Number(0)))

	_, ok := f.store.stored(cell.Key{TabID: data})
	assert.False(t, ok)
}

func TestDeleteTab_LastTab(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)

	_, err := f.broker.DeleteTab(context.Background(), ana.user, doc, 10)
	assert.ErrorIs(t, err, engine.ErrLastTab)

	stored, _ := f.store.ListTabs(context.Background(), doc)
	assert.Len(t, stored, 1)
}

func TestDuplicateTab(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	ctx := context.Background()

	f.write(t, ana, 0, 0, `3`)
	f.write(t, ana, 0, 1, `"=A1+1"`)
	f.flush(t)

	tabs, err := f.broker.DuplicateTab(ctx, ana.user, doc, 10, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1", "Sheet1 (copy)"}, tabNames(tabs))
	copyID := tabs[1].ID

	assert.True(t, f.computed(t, copyID, 0, 1).Equal(cell.Number(4)))
	v, ok := f.store.stored(cell.Key{TabID: copyID, Row: 0, Col: 1})
	require.True(t, ok)
	assert.True(t, v.Equal(cell.Text("=A1+1")))

	// the copy is independent of the source
	f.write(t, ana, 0, 0, `30`)
	f.flush(t)
	assert.True(t, f.computed(t, copyID, 0, 1).Equal(cell.Number(4)))
	assert.True(t, f.computed(t, 10, 0, 1).Equal(cell.Number(31)))
}

func TestDuplicateTab_CellFailureRemovesNewTab(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	ctx := context.Background()

	f.write(t, ana, 0, 0, `3`)
	f.flush(t)
	f.store.failCells = errors.New("disk full")

	_, err := f.broker.DuplicateTab(ctx, ana.user, doc, 10, "")
	require.Error(t, err)

	stored, err := f.store.ListTabs(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"Sheet1"}, tabNames(stored))
	tabs, err := f.broker.tabs(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, tabs, 1)
}

func TestTabOps_PersistFailureLeavesEngineUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	f.store.failWrites = errors.New("read only")

	_, err := f.broker.AddTab(context.Background(), ana.user, doc, "X")
	require.Error(t, err)

	tabs, err := f.broker.tabs(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, tabs, 1)
	assert.Empty(t, ana.events())
}
