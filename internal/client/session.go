package client

import (
	"context"
	"fmt"
	"log/slog"
)

// Session ties a realtime connection to a Reconciler for one document.
type Session struct {
	Conn       *Conn
	Reconciler *Reconciler
	Snapshot   DocumentSnapshot

	local chan Event
}

// Open joins the document and then loads its snapshot. Updates that race
// with the snapshot are replayed from the connection; reapplying an input
// is idempotent.
func Open(ctx context.Context, api *API, documentID int64, surface Surface, logger *slog.Logger) (*Session, error) {
	conn, err := Dial(ctx, api.SocketURL(), api.User(), documentID, logger)
	if err != nil {
		return nil, err
	}
	snap, err := api.GetDocument(ctx, documentID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load document %d: %w", documentID, err)
	}
	cfg := Config{DocumentID: documentID, User: api.User(), Role: snap.Role}
	return &Session{
		Conn:       conn,
		Reconciler: New(cfg, snap.Snapshot(), surface, conn, logger),
		Snapshot:   snap,
		local:      make(chan Event, 16),
	}, nil
}

// Edit queues a local edit for Run.
func (s *Session) Edit(ctx context.Context, e LocalEdit) error {
	select {
	case s.local <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run feeds remote and local events to the Reconciler until ctx is done or
// the connection closes.
func (s *Session) Run(ctx context.Context) error {
	remote := s.Conn.Events()
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-remote:
			if !ok {
				return nil
			}
			ev = e
		case ev = <-s.local:
		}
		if err := s.Reconciler.Handle(ctx, ev); err != nil {
			return err
		}
	}
}

// Close leaves the document.
func (s *Session) Close() error {
	return s.Conn.Close()
}
