package shard

import (
	"encoding/binary"
	"hash/fnv"
)

// ID represents a lane number in [0, n).
type ID int

// ForDocument computes the lane for a document ID.
func ForDocument(documentID int64, n int) ID {
	h := fnv.New32a()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(documentID))
	h.Write(b[:])
	return ID(int(h.Sum32()) % n)
}

