package cell

import (
	"cmp"
	"fmt"
	"time"
)

// Key uniquely identifies a cell across a whole document.
type Key struct {
	TabID int64 `json:"tabId"`
	Row   int   `json:"row"`
	Col   int   `json:"column"`
}

// Compare orders keys by tab, then row, then column.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.TabID, o.TabID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Row, o.Row); c != 0 {
		return c
	}
	return cmp.Compare(k.Col, o.Col)
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d:%d", k.TabID, k.Row, k.Col)
}

// Record is one entry of the in-memory cell store.
type Record struct {
	Input   Value
	Formula string
	Value   Value
	// Refs is the sorted set of keys the formula resolved to when it was last parsed.
	Refs []Key
}

// IsFormula reports whether the record holds formula text.
func (r Record) IsFormula() bool {
	return r.Formula != ""
}

// Change is a single (key, new value) result of a mutation.
type Change struct {
	TabID   int64 `json:"tabId"`
	Row     int   `json:"row"`
	Col     int   `json:"column"`
	Value   Value `json:"value"`
	Input   Value `json:"input"`
	Derived bool  `json:"derived"`
}

// Key returns the cell key the change applies to.
func (c Change) Key() Key {
	return Key{TabID: c.TabID, Row: c.Row, Col: c.Col}
}

// Stored is a persisted raw input as returned by a storage backend.
type Stored struct {
	TabID int64 `json:"tab_id"`
	Row   int   `json:"row"`
	Col   int   `json:"column"`
	Input Value `json:"value"`
}

// WriteRequest is what the broker hands to persistence for a single cell write.
// An empty Input means the cell is deleted.
type WriteRequest struct {
	DocumentID int64  `json:"document_id"`
	TabID      int64  `json:"tab_id"`
	Row        int    `json:"row"`
	Col        int    `json:"column"`
	Input      Value  `json:"value"`
	UserID     int64  `json:"user_id"`
	UserName   string `json:"username"`
}

// Meta records who last wrote a cell and when.
type Meta struct {
	DocumentID    int64     `json:"document_id"`
	TabID         int64     `json:"tab_id"`
	Row           int       `json:"row"`
	Col           int       `json:"column"`
	Value         Value     `json:"value"`
	UpdatedBy     int64     `json:"updated_by"`
	UpdatedByName string    `json:"username"`
	UpdatedAt     time.Time `json:"updated_at"`
}
