package broker

import (
	"context"
	"fmt"
	"log/slog"
)

// Policy decides what a session observes when a request is refused.
type Policy interface {
	Deny(ctx context.Context, s Session, op string, documentID int64)
}

// SilentPolicy drops refused requests without telling the client.
type SilentPolicy struct{}

func (SilentPolicy) Deny(context.Context, Session, string, int64) {}

// ExplicitPolicy answers refused requests with an error frame.
type ExplicitPolicy struct {
	Logger *slog.Logger
}

func (p ExplicitPolicy) Deny(ctx context.Context, s Session, op string, documentID int64) {
	f, err := NewFrame(EventError, ErrorPayload{Code: "forbidden", Op: op, DocumentID: documentID})
	if err != nil {
		return
	}
	if err := s.Send(ctx, f); err != nil && p.Logger != nil {
		p.Logger.Warn("send deny frame", "session_id", s.ID(), "error", err)
	}
}

// PolicyFor maps a DENY_MODE value to a Policy.
func PolicyFor(mode string, logger *slog.Logger) (Policy, error) {
	switch mode {
	case "", "silent":
		return SilentPolicy{}, nil
	case "explicit":
		return ExplicitPolicy{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown deny mode %q", mode)
	}
}
