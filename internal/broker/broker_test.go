package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/shard"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
	"github.com/ryanbastic/go-sheetsync/internal/trigger"
)

const doc = int64(1)

type memStore struct {
	mu         sync.Mutex
	roles      map[[2]int64]storage.Role
	tabs       []tab.Tab
	cells      map[cell.Key]cell.Value
	nextTab    int64
	failWrites error
	failCells  error
	upserts    int
}

func newMemStore() *memStore {
	return &memStore{
		roles:   make(map[[2]int64]storage.Role),
		tabs:    []tab.Tab{{ID: 10, Name: "Sheet1", Position: 0}},
		cells:   make(map[cell.Key]cell.Value),
		nextTab: 11,
	}
}

func (m *memStore) Role(_ context.Context, documentID, userID int64) (storage.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[[2]int64{documentID, userID}]
	if !ok {
		return "", storage.ErrNoPermission
	}
	return r, nil
}

func (m *memStore) Grant(_ context.Context, documentID, userID int64, role storage.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[[2]int64{documentID, userID}] = role
	return nil
}

func (m *memStore) ListTabs(context.Context, int64) ([]tab.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.tabs), nil
}

func (m *memStore) CreateTab(_ context.Context, _ int64, name string) (tab.Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return tab.Tab{}, m.failWrites
	}
	t := tab.Tab{ID: m.nextTab, Name: name, Position: len(m.tabs)}
	m.nextTab++
	m.tabs = append(m.tabs, t)
	return t, nil
}

func (m *memStore) RenameTab(_ context.Context, _, tabID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tabs {
		if m.tabs[i].ID == tabID {
			m.tabs[i].Name = name
			return nil
		}
	}
	return storage.ErrTabNotFound
}

func (m *memStore) DeleteTab(_ context.Context, _, tabID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs = slices.DeleteFunc(m.tabs, func(t tab.Tab) bool { return t.ID == tabID })
	for i := range m.tabs {
		m.tabs[i].Position = i
	}
	for k := range m.cells {
		if k.TabID == tabID {
			delete(m.cells, k)
		}
	}
	return nil
}

func (m *memStore) ReorderTabs(_ context.Context, _ int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tabs {
		m.tabs[i].Position = slices.Index(ids, m.tabs[i].ID)
	}
	slices.SortFunc(m.tabs, func(a, b tab.Tab) int { return a.Position - b.Position })
	return nil
}

func (m *memStore) UpsertCell(_ context.Context, req cell.WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	if m.failCells != nil {
		return m.failCells
	}
	m.upserts++
	k := cell.Key{TabID: req.TabID, Row: req.Row, Col: req.Col}
	if req.Input.IsEmpty() {
		delete(m.cells, k)
		return nil
	}
	m.cells[k] = req.Input
	return nil
}

func (m *memStore) ListCells(_ context.Context, _, tabID int64) ([]cell.Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cell.Stored
	for k, v := range m.cells {
		if k.TabID == tabID {
			out = append(out, cell.Stored{TabID: k.TabID, Row: k.Row, Col: k.Col, Input: v})
		}
	}
	slices.SortFunc(out, func(a, b cell.Stored) int {
		return cell.Key{TabID: a.TabID, Row: a.Row, Col: a.Col}.Compare(cell.Key{TabID: b.TabID, Row: b.Row, Col: b.Col})
	})
	return out, nil
}

func (m *memStore) stored(k cell.Key) (cell.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.cells[k]
	return v, ok
}

type fakeSession struct {
	id   string
	user User

	mu     sync.Mutex
	frames []Frame
}

func newSession(id string, userID int64, name string) *fakeSession {
	return &fakeSession{id: id, user: User{ID: userID, Name: name}}
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) User() User { return s.user }

func (s *fakeSession) Send(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSession) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

// payloads decodes every frame of the given event.
func payloads[T any](t *testing.T, s *fakeSession, event string) []T {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []T
	for _, f := range s.frames {
		if f.Event != event {
			continue
		}
		var p T
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, p)
	}
	return out
}

func (s *fakeSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []trigger.CellChangedParams
}

func (n *recordingNotifier) Notify(p trigger.CellChangedParams) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, p)
}

type fixture struct {
	store    *memStore
	engine   *engine.Engine
	broker   *Broker
	notifier *recordingNotifier
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := newMemStore()
	eng := engine.New(store, logger)
	lanes := shard.NewLanes(4, 16, logger)
	t.Cleanup(lanes.Close)
	n := &recordingNotifier{}
	b := New(Deps{
		Store:    store,
		Engine:   eng,
		Lanes:    lanes,
		Notifier: n,
		Policy:   policy,
		Logger:   logger,
	})
	return &fixture{store: store, engine: eng, broker: b, notifier: n}
}

// flush waits until every task queued on the document's lane has run.
func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.broker.lanes.Do(context.Background(), doc, func() error { return nil }))
}

func (f *fixture) join(t *testing.T, s *fakeSession, role storage.Role) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Grant(ctx, doc, s.user.ID, role))
	require.NoError(t, f.broker.Join(ctx, s, doc))
}

func (f *fixture) write(t *testing.T, s *fakeSession, row, col int, value string) {
	t.Helper()
	require.NoError(t, f.broker.Mutate(context.Background(), s, Update{
		DocumentID: doc, Row: row, Column: col, Value: json.RawMessage(value),
	}))
}

func (f *fixture) computed(t *testing.T, tabID int64, row, col int) cell.Value {
	t.Helper()
	var v cell.Value
	require.NoError(t, f.engine.Apply(context.Background(), doc, func(wb *engine.Workbook) error {
		rec, _ := wb.Cell(cell.Key{TabID: tabID, Row: row, Col: col})
		v = rec.Value
		return nil
	}))
	return v
}

func TestJoin_SilentDenial(t *testing.T) {
	f := newFixture(t, nil)
	s := newSession("s1", 7, "eve")

	require.NoError(t, f.broker.Join(context.Background(), s, doc))

	assert.Empty(t, s.events())
	assert.Empty(t, f.broker.Members(doc))
}

func TestJoin_ExplicitDenial(t *testing.T) {
	f := newFixture(t, ExplicitPolicy{})
	s := newSession("s1", 7, "eve")

	require.NoError(t, f.broker.Join(context.Background(), s, doc))

	errs := payloads[ErrorPayload](t, s, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorPayload{Code: "forbidden", Op: EventJoin, DocumentID: doc}, errs[0])
	assert.Empty(t, f.broker.Members(doc))
}

func TestJoin_PermissionCheckedEveryTime(t *testing.T) {
	f := newFixture(t, nil)
	s := newSession("s1", 7, "eve")

	require.NoError(t, f.broker.Join(context.Background(), s, doc))
	assert.Empty(t, f.broker.Members(doc))

	f.join(t, s, storage.RoleViewer)
	assert.Equal(t, []string{"s1"}, f.broker.Members(doc))
}

func TestMutate_BroadcastsChangesToWholeRoom(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	bo := newSession("s2", 2, "bo")
	f.join(t, ana, storage.RoleEditor)
	f.join(t, bo, storage.RoleViewer)

	f.write(t, ana, 0, 0, `5`)
	f.write(t, ana, 0, 1, `"=A1+1"`)
	f.flush(t)
	ana.reset()
	bo.reset()

	f.write(t, ana, 0, 0, `10`)
	f.flush(t)

	for _, s := range []*fakeSession{ana, bo} {
		updates := payloads[CellUpdate](t, s, EventCellUpdate)
		require.Len(t, updates, 2, s.id)

		assert.Equal(t, 0, updates[0].Column)
		assert.False(t, updates[0].Derived)
		assert.True(t, updates[0].Value.Equal(cell.Number(10)))
		assert.Equal(t, int64(1), updates[0].UserID)
		assert.Equal(t, "ana", updates[0].Username)
		assert.NotEmpty(t, updates[0].Timestamp)

		assert.Equal(t, 1, updates[1].Column)
		assert.True(t, updates[1].Derived)
		assert.True(t, updates[1].Value.Equal(cell.Number(11)))
		assert.True(t, updates[1].Computed.Equal(cell.Number(11)))
	}

	v, ok := f.store.stored(cell.Key{TabID: 10, Row: 0, Col: 0})
	require.True(t, ok)
	assert.True(t, v.Equal(cell.Number(10)))
}

func TestMutate_FormulaCellSendsRawInputAsValue(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleOwner)

	f.write(t, ana, 0, 0, `"=1+2"`)
	f.flush(t)

	updates := payloads[CellUpdate](t, ana, EventCellUpdate)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Value.Equal(cell.Text("=1+2")))
	assert.True(t, updates[0].Computed.Equal(cell.Number(3)))
}

func TestMutate_ViewerIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	viewer := newSession("s1", 3, "vic")
	editor := newSession("s2", 4, "ed")
	f.join(t, viewer, storage.RoleViewer)
	f.join(t, editor, storage.RoleEditor)

	before := testutil.ToFloat64(metrics.MutationsDropped.WithLabelValues("forbidden"))
	f.write(t, viewer, 0, 0, `1`)
	f.flush(t)

	assert.Empty(t, viewer.events())
	assert.Empty(t, editor.events())
	assert.Zero(t, f.store.upserts)
	assert.True(t, f.computed(t, 10, 0, 0).IsEmpty())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MutationsDropped.WithLabelValues("forbidden"))-before)
}

func TestMutate_WithoutJoining(t *testing.T) {
	f := newFixture(t, nil)
	member := newSession("s1", 1, "ana")
	outsider := newSession("s2", 2, "bo")
	f.join(t, member, storage.RoleViewer)
	require.NoError(t, f.store.Grant(context.Background(), doc, 2, storage.RoleEditor))

	f.write(t, outsider, 2, 2, `"hi"`)
	f.flush(t)

	assert.Len(t, payloads[CellUpdate](t, member, EventCellUpdate), 1)
	assert.Empty(t, outsider.events())
}

func TestMutate_PersistFailureAbandonsWrite(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	f.store.failWrites = errors.New("disk full")

	before := testutil.ToFloat64(metrics.MutationsDropped.WithLabelValues("persist"))
	f.write(t, ana, 0, 0, `5`)
	f.flush(t)

	assert.Empty(t, ana.events())
	assert.True(t, f.computed(t, 10, 0, 0).IsEmpty())
	assert.Empty(t, f.notifier.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MutationsDropped.WithLabelValues("persist"))-before)
}

func TestMutate_EmptyValueDeletes(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)

	f.write(t, ana, 1, 1, `"x"`)
	f.write(t, ana, 1, 1, `""`)
	f.flush(t)

	_, ok := f.store.stored(cell.Key{TabID: 10, Row: 1, Col: 1})
	assert.False(t, ok)
	updates := payloads[CellUpdate](t, ana, EventCellUpdate)
	require.Len(t, updates, 2)
	assert.True(t, updates[1].Value.IsEmpty())
}

func TestMutate_ExplicitTabAndUnknownTab(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	tabs, err := f.broker.AddTab(context.Background(), ana.user, doc, "")
	require.NoError(t, err)
	second := tabs[1].ID
	ana.reset()

	unknown := int64(999)
	ctx := context.Background()
	require.NoError(t, f.broker.Mutate(ctx, ana, Update{DocumentID: doc, TabID: &second, Row: 0, Column: 0, Value: json.RawMessage(`4`)}))
	require.NoError(t, f.broker.Mutate(ctx, ana, Update{DocumentID: doc, TabID: &unknown, Row: 0, Column: 0, Value: json.RawMessage(`4`)}))
	f.flush(t)

	updates := payloads[CellUpdate](t, ana, EventCellUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, second, updates[0].TabID)
	assert.Equal(t, 1, f.store.upserts)
}

func TestMutate_KeepsClientTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)

	require.NoError(t, f.broker.Mutate(context.Background(), ana, Update{
		DocumentID: doc, Row: 0, Column: 0, Value: json.RawMessage(`1`), Timestamp: "2024-01-02T03:04:05.678Z",
	}))
	f.flush(t)

	updates := payloads[CellUpdate](t, ana, EventCellUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "2024-01-02T03:04:05.678Z", updates[0].Timestamp)
}

func TestMutate_ArrivalOrderWins(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	bo := newSession("s2", 2, "bo")
	f.join(t, ana, storage.RoleEditor)
	f.join(t, bo, storage.RoleEditor)

	for i := range 20 {
		s := ana
		if i%2 == 1 {
			s = bo
		}
		f.write(t, s, 0, 0, fmt.Sprint(i))
	}
	f.flush(t)

	for _, s := range []*fakeSession{ana, bo} {
		updates := payloads[CellUpdate](t, s, EventCellUpdate)
		require.Len(t, updates, 20)
		for i, u := range updates {
			assert.True(t, u.Value.Equal(cell.Number(float64(i))), "update %d", i)
		}
	}
	assert.True(t, f.computed(t, 10, 0, 0).Equal(cell.Number(19)))
	v, _ := f.store.stored(cell.Key{TabID: 10})
	assert.True(t, v.Equal(cell.Number(19)))
}

func TestMutate_NotifiesPlugins(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)

	f.write(t, ana, 0, 0, `2`)
	f.write(t, ana, 0, 1, `"=A1*3"`)
	f.write(t, ana, 0, 0, `4`)
	f.flush(t)

	require.Len(t, f.notifier.calls, 3)
	last := f.notifier.calls[2]
	assert.Equal(t, doc, last.DocumentID)
	require.Len(t, last.Changes, 2)
	assert.Equal(t, "A1", last.Changes[0].Address)
	assert.Equal(t, "B1", last.Changes[1].Address)
	assert.JSONEq(t, `12`, string(last.Changes[1].Value))
}

func TestPresence_RelayedToOthersOnly(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	bo := newSession("s2", 2, "bo")
	f.join(t, ana, storage.RoleEditor)
	f.join(t, bo, storage.RoleViewer)

	row, col := 3, 4
	f.broker.Presence(context.Background(), ana, Selection{DocumentID: doc, Row: &row, Column: &col})

	assert.Empty(t, ana.events())
	got := payloads[Presence](t, bo, EventPresence)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].UserID)
	assert.Equal(t, "ana", got[0].Username)
	require.NotNil(t, got[0].Row)
	assert.Equal(t, 3, *got[0].Row)
}

func TestPresence_RequiresMembership(t *testing.T) {
	f := newFixture(t, nil)
	member := newSession("s1", 1, "ana")
	stranger := newSession("s2", 2, "bo")
	f.join(t, member, storage.RoleEditor)

	row, col := 0, 0
	f.broker.Presence(context.Background(), stranger, Selection{DocumentID: doc, Row: &row, Column: &col})

	assert.Empty(t, member.events())
}

func TestJoin_ReceivesCurrentPresence(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	row, col := 1, 2
	f.broker.Presence(context.Background(), ana, Selection{DocumentID: doc, Row: &row, Column: &col})

	bo := newSession("s2", 2, "bo")
	f.join(t, bo, storage.RoleViewer)

	got := payloads[Presence](t, bo, EventPresence)
	require.Len(t, got, 1)
	assert.Equal(t, "ana", got[0].Username)
	assert.Equal(t, 2, *got[0].Column)
}

func TestLeave_PresenceLeaveOnLastSessionOfUser(t *testing.T) {
	f := newFixture(t, nil)
	tab1 := newSession("s1", 1, "ana")
	tab2 := newSession("s2", 1, "ana")
	bo := newSession("s3", 2, "bo")
	f.join(t, tab1, storage.RoleEditor)
	f.join(t, tab2, storage.RoleEditor)
	f.join(t, bo, storage.RoleViewer)

	ctx := context.Background()
	f.broker.Leave(ctx, tab1)
	assert.Empty(t, payloads[PresenceLeave](t, bo, EventPresenceLeave))

	f.broker.Leave(ctx, tab2)
	leaves := payloads[PresenceLeave](t, bo, EventPresenceLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, PresenceLeave{UserID: 1, Username: "ana", DocumentID: doc}, leaves[0])
	assert.Equal(t, []string{"s3"}, f.broker.Members(doc))
}

func TestLeave_StopsBroadcasts(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	bo := newSession("s2", 2, "bo")
	f.join(t, ana, storage.RoleEditor)
	f.join(t, bo, storage.RoleViewer)

	f.broker.Leave(context.Background(), bo)
	bo.reset()
	f.write(t, ana, 0, 0, `1`)
	f.flush(t)

	assert.Empty(t, bo.events())
	assert.Len(t, payloads[CellUpdate](t, ana, EventCellUpdate), 1)
}

func TestLeave_EmptyRoomEvictsDocument(t *testing.T) {
	f := newFixture(t, nil)
	ana := newSession("s1", 1, "ana")
	f.join(t, ana, storage.RoleEditor)
	f.write(t, ana, 0, 0, `8`)
	f.flush(t)

	f.broker.Leave(context.Background(), ana)
	f.flush(t)
	assert.Nil(t, f.broker.Members(doc))

	// the reload comes from storage
	assert.True(t, f.computed(t, 10, 0, 0).Equal(cell.Number(8)))
}

func TestPolicyFor(t *testing.T) {
	p, err := PolicyFor("", nil)
	require.NoError(t, err)
	assert.IsType(t, SilentPolicy{}, p)

	p, err = PolicyFor("explicit", nil)
	require.NoError(t, err)
	assert.IsType(t, ExplicitPolicy{}, p)

	_, err = PolicyFor("loud", nil)
	assert.Error(t, err)
}
