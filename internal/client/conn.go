package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
)

// Conn is a realtime session joined to one document. Inbound frames are
// decoded into Events; it implements Outbox.
type Conn struct {
	ws         *websocket.Conn
	documentID int64
	logger     *slog.Logger
	events     chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens a websocket to url as user and joins documentID.
func Dial(ctx context.Context, url string, user broker.User, documentID int64, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"X-User-ID":   []string{strconv.FormatInt(user.ID, 10)},
			"X-User-Name": []string{user.Name},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:         ws,
		documentID: documentID,
		logger:     logger,
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	if err := c.send(ctx, broker.EventJoin, broker.JoinRequest{DocumentID: documentID}); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("join document %d: %w", documentID, err)
	}
	go c.readLoop()
	return c, nil
}

// Events returns inbound events. The channel is closed when the connection ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SendCellUpdate implements Outbox.
func (c *Conn) SendCellUpdate(ctx context.Context, u broker.Update) error {
	return c.send(ctx, broker.EventCellUpdate, u)
}

// SendPresence reports the local selection. Nil coordinates clear it.
func (c *Conn) SendPresence(ctx context.Context, row, col *int) error {
	return c.send(ctx, broker.EventPresence, broker.Selection{DocumentID: c.documentID, Row: row, Column: col})
}

// Close ends the session normally.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *Conn) send(ctx context.Context, event string, payload any) error {
	f, err := broker.NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	return wsjson.Write(ctx, c.ws, f)
}

func (c *Conn) readLoop() {
	defer close(c.events)
	ctx := context.Background()
	for {
		var f broker.Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				select {
				case <-c.done:
				default:
					c.logger.Warn("realtime connection ended", "error", err)
				}
			}
			return
		}
		ev, err := decodeFrame(f)
		if err != nil {
			c.logger.Warn("undecodable frame", "event", f.Event, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// decodeFrame maps a server frame to an Event. Unknown events yield nil.
func decodeFrame(f broker.Frame) (Event, error) {
	switch f.Event {
	case broker.EventCellUpdate:
		var u broker.CellUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			return nil, err
		}
		return RemoteUpdate{Payload: u}, nil
	case broker.EventTabsChanged:
		var t broker.TabsChanged
		if err := json.Unmarshal(f.Payload, &t); err != nil {
			return nil, err
		}
		return TabsChanged{Tabs: t.Tabs}, nil
	case broker.EventPresence:
		var p broker.Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, err
		}
		return PresenceChanged{Presence: p}, nil
	case broker.EventPresenceLeave:
		var l broker.PresenceLeave
		if err := json.Unmarshal(f.Payload, &l); err != nil {
			return nil, err
		}
		return PresenceLeft{Leave: l}, nil
	case broker.EventError:
		var e broker.ErrorPayload
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			return nil, err
		}
		return Denied{Error: e}, nil
	}
	return nil, nil
}
