package broker

import (
	"encoding/json"
	"time"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// Event names of the realtime protocol.
const (
	EventJoin          = "join_sheet"
	EventPresence      = "presence"
	EventCellUpdate    = "cell_update"
	EventPresenceLeave = "presence_leave"
	EventTabsChanged   = "tabs_changed"
	EventError         = "error"
)

// Frame is one message on a session, encoded as {"event": ..., "payload": ...}.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame encodes payload into a frame.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Payload: data}, nil
}

// User identifies the person behind a session.
type User struct {
	ID   int64  `json:"userId"`
	Name string `json:"username"`
}

// JoinRequest is the payload of an inbound join_sheet frame.
type JoinRequest struct {
	DocumentID int64 `json:"documentId"`
}

// Update is the payload of an inbound cell_update frame.
type Update struct {
	DocumentID int64           `json:"documentId"`
	TabID      *int64          `json:"tabId,omitempty"`
	Row        int             `json:"row"`
	Column     int             `json:"column"`
	Value      json.RawMessage `json:"value"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Selection is the payload of an inbound presence frame. A nil row or
// column clears the selection.
type Selection struct {
	DocumentID int64 `json:"documentId"`
	Row        *int  `json:"row"`
	Column     *int  `json:"column"`
}

// CellUpdate is the outbound cell_update payload. Value carries the raw
// input for the written cell and the computed value for derived cells.
type CellUpdate struct {
	DocumentID int64      `json:"documentId"`
	TabID      int64      `json:"tabId"`
	Row        int        `json:"row"`
	Column     int        `json:"column"`
	Value      cell.Value `json:"value"`
	Computed   cell.Value `json:"computed"`
	Derived    bool       `json:"derived"`
	UserID     int64      `json:"userId"`
	Username   string     `json:"username"`
	Timestamp  string     `json:"timestamp"`
}

// Presence is the outbound presence payload.
type Presence struct {
	DocumentID int64  `json:"documentId"`
	Row        *int   `json:"row"`
	Column     *int   `json:"column"`
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
}

// PresenceLeave is sent when a user's last session leaves a room.
type PresenceLeave struct {
	UserID     int64  `json:"userId"`
	Username   string `json:"username"`
	DocumentID int64  `json:"documentId"`
}

// TabsChanged carries a document's tabs after a tab operation.
type TabsChanged struct {
	DocumentID int64     `json:"documentId"`
	Tabs       []tab.Tab `json:"tabs"`
}

// ErrorPayload is sent under ExplicitPolicy when a request is denied.
type ErrorPayload struct {
	Code       string `json:"code"`
	Op         string `json:"op"`
	DocumentID int64  `json:"documentId"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func serverTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

func changeUpdate(documentID int64, c cell.Change, u User, ts string) CellUpdate {
	value := c.Value
	if !c.Derived {
		value = c.Input
	}
	return CellUpdate{
		DocumentID: documentID,
		TabID:      c.TabID,
		Row:        c.Row,
		Column:     c.Col,
		Value:      value,
		Computed:   c.Value,
		Derived:    c.Derived,
		UserID:     u.ID,
		Username:   u.Name,
		Timestamp:  ts,
	}
}
