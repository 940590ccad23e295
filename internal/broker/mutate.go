package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/metrics"
	"github.com/ryanbastic/go-sheetsync/internal/trigger"
)

// Mutate queues a cell write on the document's lane and returns once it is
// queued. The write runs detached from ctx's cancellation, so a sender that
// disconnects does not abort an accepted write.
func (b *Broker) Mutate(ctx context.Context, s Session, u Update) error {
	detached := context.WithoutCancel(ctx)
	return b.lanes.Submit(ctx, u.DocumentID, func() {
		b.mutate(detached, s, u)
	})
}

func (b *Broker) mutate(ctx context.Context, s Session, u Update) {
	user := s.User()
	log := b.logger.With("session_id", s.ID(), "user_id", user.ID, "document_id", u.DocumentID)

	role, ok, err := b.role(ctx, u.DocumentID, user.ID)
	if err != nil {
		log.Error("mutation dropped", "reason", "role", "error", err)
		metrics.MutationsDropped.WithLabelValues("role").Inc()
		return
	}
	if !ok || !role.CanWrite() {
		log.Debug("mutation denied", "role", role)
		metrics.MutationsDropped.WithLabelValues("forbidden").Inc()
		b.policy.Deny(ctx, s, EventCellUpdate, u.DocumentID)
		return
	}

	input, err := cell.ParseInput(u.Value)
	if err != nil || u.Row < 0 || u.Column < 0 {
		log.Warn("mutation dropped", "reason", "invalid", "row", u.Row, "column", u.Column, "error", err)
		metrics.MutationsDropped.WithLabelValues("invalid").Inc()
		return
	}

	tabID, err := b.targetTab(ctx, u)
	if err != nil {
		log.Warn("mutation dropped", "reason", "tab", "error", err)
		metrics.MutationsDropped.WithLabelValues("tab").Inc()
		return
	}

	req := cell.WriteRequest{
		DocumentID: u.DocumentID,
		TabID:      tabID,
		Row:        u.Row,
		Col:        u.Column,
		Input:      input,
		UserID:     user.ID,
		UserName:   user.Name,
	}
	if err := b.persist(func() error { return b.store.UpsertCell(ctx, req) }); err != nil {
		reason := "persist"
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			reason = "breaker_open"
		}
		log.Error("mutation dropped", "reason", reason, "tab_id", tabID, "row", u.Row, "column", u.Column, "error", err)
		metrics.MutationsDropped.WithLabelValues(reason).Inc()
		return
	}

	changes, err := b.engine.SetCell(ctx, u.DocumentID, tabID, u.Row, u.Column, input)
	if err != nil {
		log.Error("apply mutation", "tab_id", tabID, "error", err)
		metrics.MutationsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.MutationsTotal.WithLabelValues("applied").Inc()
	metrics.RecomputeCells.Observe(float64(len(changes)))

	ts := u.Timestamp
	if ts == "" {
		ts = serverTimestamp()
	}
	b.publish(ctx, u.DocumentID, user, ts, changes)
}

// publish broadcasts one cell_update per change and notifies plugins.
func (b *Broker) publish(ctx context.Context, documentID int64, user User, ts string, changes []cell.Change) {
	targets := b.members(documentID)
	for _, c := range changes {
		b.fanout(ctx, targets, EventCellUpdate, changeUpdate(documentID, c, user, ts))
	}
	if b.notifier != nil && len(changes) > 0 {
		b.notifier.Notify(trigger.NewCellChanged(documentID, user.ID, user.Name, ts, changes))
	}
}

// targetTab returns the tab a write lands on: the requested one if the
// document has it, otherwise the first tab when none was requested.
func (b *Broker) targetTab(ctx context.Context, u Update) (int64, error) {
	var id int64
	err := b.engine.Apply(ctx, u.DocumentID, func(wb *engine.Workbook) error {
		if u.TabID == nil {
			first, ok := wb.FirstTab()
			if !ok {
				return fmt.Errorf("document %d has no tabs: %w", u.DocumentID, engine.ErrUnknownTab)
			}
			id = first.ID
			return nil
		}
		if _, ok := wb.Tab(*u.TabID); !ok {
			return fmt.Errorf("tab %d: %w", *u.TabID, engine.ErrUnknownTab)
		}
		id = *u.TabID
		return nil
	})
	return id, err
}

// persist runs a storage write through the circuit breaker when one is set.
func (b *Broker) persist(fn func() error) error {
	if b.breaker == nil {
		return fn()
	}
	return b.breaker.Execute(fn)
}
