// Package broker keeps the rooms of connected sessions, gates every request
// on the caller's document role and fans applied changes out to each room.
package broker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/shard"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/trigger"
)

// ErrForbidden is returned when the caller's role does not allow an operation.
var ErrForbidden = errors.New("forbidden")

// Session is one connected client.
type Session interface {
	ID() string
	User() User
	// Send queues a frame for delivery. It must not block on the network.
	Send(ctx context.Context, f Frame) error
}

// Store is the persistence the broker writes through.
type Store interface {
	storage.PermissionStore
	storage.TabStore
	UpsertCell(ctx context.Context, req cell.WriteRequest) error
}

// Notifier receives every applied mutation.
type Notifier interface {
	Notify(params trigger.CellChangedParams)
}

// Deps are the collaborators of a Broker. Notifier and Policy are optional.
type Deps struct {
	Store    Store
	Engine   *engine.Engine
	Lanes    *shard.Lanes
	Breaker  *circuitbreaker.Breaker
	Notifier Notifier
	Policy   Policy
	Logger   *slog.Logger
}

type selection struct {
	row, col *int
}

type room struct {
	sessions map[string]Session
	presence map[string]selection
}

// Broker is safe for concurrent use.
type Broker struct {
	store    Store
	engine   *engine.Engine
	lanes    *shard.Lanes
	breaker  *circuitbreaker.Breaker
	notifier Notifier
	policy   Policy
	logger   *slog.Logger

	mu     sync.Mutex
	rooms  map[int64]*room
	joined map[string]map[int64]struct{}
}

// New creates a Broker.
func New(d Deps) *Broker {
	policy := d.Policy
	if policy == nil {
		policy = SilentPolicy{}
	}
	return &Broker{
		store:    d.Store,
		engine:   d.Engine,
		lanes:    d.Lanes,
		breaker:  d.Breaker,
		notifier: d.Notifier,
		policy:   policy,
		logger:   d.Logger,
		rooms:    make(map[int64]*room),
		joined:   make(map[string]map[int64]struct{}),
	}
}

// role looks up the caller's permission. A missing permission is reported as
// ok=false without an error.
func (b *Broker) role(ctx context.Context, documentID, userID int64) (storage.Role, bool, error) {
	role, err := b.store.Role(ctx, documentID, userID)
	if errors.Is(err, storage.ErrNoPermission) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup role: %w", err)
	}
	return role, true, nil
}

// Join adds s to the document's room when its user holds any role, and
// sends it the current selections of the other members.
func (b *Broker) Join(ctx context.Context, s Session, documentID int64) error {
	user := s.User()
	_, ok, err := b.role(ctx, documentID, user.ID)
	if err != nil {
		return err
	}
	if !ok {
		b.logger.Debug("join denied", "session_id", s.ID(), "user_id", user.ID, "document_id", documentID)
		b.policy.Deny(ctx, s, EventJoin, documentID)
		return nil
	}
	if err := b.engine.Open(ctx, documentID); err != nil {
		return fmt.Errorf("open document %d: %w", documentID, err)
	}

	b.mu.Lock()
	r, ok := b.rooms[documentID]
	if !ok {
		r = &room{sessions: make(map[string]Session), presence: make(map[string]selection)}
		b.rooms[documentID] = r
	}
	r.sessions[s.ID()] = s
	if b.joined[s.ID()] == nil {
		b.joined[s.ID()] = make(map[int64]struct{})
	}
	b.joined[s.ID()][documentID] = struct{}{}

	var current []Presence
	for id, sel := range r.presence {
		if id == s.ID() {
			continue
		}
		other := r.sessions[id].User()
		current = append(current, Presence{
			DocumentID: documentID, Row: sel.row, Column: sel.col, UserID: other.ID, Username: other.Name,
		})
	}
	b.mu.Unlock()

	slices.SortFunc(current, func(a, c Presence) int { return cmp.Compare(a.UserID, c.UserID) })
	for _, p := range current {
		b.send(ctx, s, EventPresence, p)
	}
	b.logger.Info("session joined", "session_id", s.ID(), "user_id", user.ID, "document_id", documentID)
	return nil
}

// Presence relays a selection to the other members of a room the session
// has joined, and records it for later joiners.
func (b *Broker) Presence(ctx context.Context, s Session, sel Selection) {
	user := s.User()

	b.mu.Lock()
	r, ok := b.rooms[sel.DocumentID]
	if !ok || r.sessions[s.ID()] == nil {
		b.mu.Unlock()
		b.policy.Deny(ctx, s, EventPresence, sel.DocumentID)
		return
	}
	if sel.Row == nil || sel.Column == nil {
		delete(r.presence, s.ID())
	} else {
		r.presence[s.ID()] = selection{row: sel.Row, col: sel.Column}
	}
	targets := r.others(s.ID())
	b.mu.Unlock()

	b.fanout(ctx, targets, EventPresence, Presence{
		DocumentID: sel.DocumentID,
		Row:        sel.Row,
		Column:     sel.Column,
		UserID:     user.ID,
		Username:   user.Name,
	})
}

// Leave removes s from every room. presence_leave goes to a room only when
// no other session of the same user remains in it. Rooms left empty have
// their document evicted from the engine.
func (b *Broker) Leave(ctx context.Context, s Session) {
	user := s.User()

	type notice struct {
		documentID int64
		targets    []Session
	}
	var (
		notices []notice
		emptied []int64
	)

	b.mu.Lock()
	for documentID := range b.joined[s.ID()] {
		r := b.rooms[documentID]
		if r == nil {
			continue
		}
		delete(r.sessions, s.ID())
		delete(r.presence, s.ID())
		if len(r.sessions) == 0 {
			delete(b.rooms, documentID)
			emptied = append(emptied, documentID)
			continue
		}
		stillPresent := false
		for _, other := range r.sessions {
			if other.User().ID == user.ID {
				stillPresent = true
				break
			}
		}
		if !stillPresent {
			notices = append(notices, notice{documentID: documentID, targets: r.others("")})
		}
	}
	delete(b.joined, s.ID())
	b.mu.Unlock()

	for _, n := range notices {
		b.fanout(ctx, n.targets, EventPresenceLeave, PresenceLeave{
			UserID: user.ID, Username: user.Name, DocumentID: n.documentID,
		})
	}
	for _, documentID := range emptied {
		b.evictIfIdle(documentID)
	}
}

// evictIfIdle drops the cached workbook on the document's lane, after any
// queued mutation, unless someone joined again meanwhile.
func (b *Broker) evictIfIdle(documentID int64) {
	err := b.lanes.Submit(context.Background(), documentID, func() {
		b.mu.Lock()
		_, active := b.rooms[documentID]
		b.mu.Unlock()
		if !active {
			b.engine.Evict(documentID)
			b.logger.Debug("document evicted", "document_id", documentID)
		}
	})
	if err != nil && !errors.Is(err, shard.ErrClosed) {
		b.logger.Warn("schedule eviction", "document_id", documentID, "error", err)
	}
}

// Members returns the session ids joined to a document, sorted.
func (b *Broker) Members(documentID int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[documentID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(r.sessions))
}

// others returns the room's sessions except the one with id skip, in id
// order. Callers hold b.mu.
func (r *room) others(skip string) []Session {
	ids := slices.Sorted(maps.Keys(r.sessions))
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if id != skip {
			out = append(out, r.sessions[id])
		}
	}
	return out
}

func (b *Broker) members(documentID int64) []Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[documentID]
	if !ok {
		return nil
	}
	return r.others("")
}

// broadcast sends a frame to every member of the room, the sender included.
func (b *Broker) broadcast(ctx context.Context, documentID int64, event string, payload any) {
	b.fanout(ctx, b.members(documentID), event, payload)
}

func (b *Broker) fanout(ctx context.Context, targets []Session, event string, payload any) {
	if len(targets) == 0 {
		return
	}
	f, err := NewFrame(event, payload)
	if err != nil {
		b.logger.Error("encode frame", "event", event, "error", err)
		return
	}
	for _, s := range targets {
		if err := s.Send(ctx, f); err != nil {
			b.logger.Warn("send frame", "session_id", s.ID(), "event", event, "error", err)
			continue
		}
		metrics.BroadcastsTotal.WithLabelValues(event).Inc()
	}
}

func (b *Broker) send(ctx context.Context, s Session, event string, payload any) {
	b.fanout(ctx, []Session{s}, event, payload)
}
