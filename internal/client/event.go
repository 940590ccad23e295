package client

import (
	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// Event is one input of the Reconciler. Local edits and remote mutations
// are distinct kinds so that applying one never re-enters the other.
type Event interface {
	event()
}

// LocalEdit is a user edit reported by the surface.
type LocalEdit struct {
	TabID int64
	Row   int
	Col   int
	Input cell.Value
}

// RemoteUpdate is a cell_update frame received from the server.
type RemoteUpdate struct {
	Payload broker.CellUpdate
}

// TabsChanged is a tabs_changed frame received from the server.
type TabsChanged struct {
	Tabs []tab.Tab
}

// PresenceChanged is a presence frame received from the server.
type PresenceChanged struct {
	Presence broker.Presence
}

// PresenceLeft is a presence_leave frame received from the server.
type PresenceLeft struct {
	Leave broker.PresenceLeave
}

// Denied is an error frame sent when the server refuses a request.
type Denied struct {
	Error broker.ErrorPayload
}

func (LocalEdit) event()       {}
func (RemoteUpdate) event()    {}
func (TabsChanged) event()     {}
func (PresenceChanged) event() {}
func (PresenceLeft) event()    {}
func (Denied) event()          {}
