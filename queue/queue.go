// Package queue defines the append-only, versioned event store that the
// ESDB core polls for work, plus a SQLite-backed implementation grounded in
// the teacher's event_v1 table design (database/events.go,
// nexushub/events/db.go).
package queue

import (
	"encoding/json"

	"github.com/tomyedwab/esdb/sqldb"
)

// ErrorInfo is the per-model error attached to an Event that failed
// preprocessing, reduction, or store dispatch.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Change is the generic shape a reducer hands back: a set of
// rows to insert/update/remove, or an error if the reducer rejected the
// event. Models are free to interpret the payload maps however their
// ApplyChanges implementation likes.
type Change struct {
	Set   []map[string]any `json:"set,omitempty"`
	Ins   []map[string]any `json:"ins,omitempty"`
	Upd   []map[string]any `json:"upd,omitempty"`
	Rm    []map[string]any `json:"rm,omitempty"`
	Error *ErrorInfo       `json:"error,omitempty"`
}

// IsEmpty reports whether this Change carries no mutation at all, the
// signal a reducer uses to mean "no change" (spec.md §4.4: reducer
// returning false or the identity model).
func (c Change) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Ins) == 0 && len(c.Upd) == 0 && len(c.Rm) == 0 && c.Error == nil
}

// Event is the immutable record flowing through the pipeline: {v, type, ts,
// data, error?, result?} per spec.md §3. Data is kept as raw JSON because
// the core itself never interprets it — only user-supplied
// preprocessors/reducers/derivers do, each decoding it to whatever shape
// their model expects.
type Event struct {
	V      uint64                `json:"v" db:"v"`
	Type   string                `json:"type" db:"type"`
	Ts     int64                 `json:"ts" db:"ts"`
	Data   json.RawMessage       `json:"data" db:"data"`
	Error  map[string]ErrorInfo  `json:"error,omitempty" db:"-"`
	Result map[string]Change     `json:"result,omitempty" db:"-"`
}

// Queue is the append-only, versioned event store contract (spec.md §6).
// v is strictly increasing starting at 1 with no gaps; once an event has
// been written with Result/Error set via Set, it is immutable.
type Queue interface {
	// Add assigns the next version and persists a new event.
	Add(eventType string, data any, ts int64) (Event, error)
	// Get fetches the event at version v, or (nil, nil) if it doesn't exist.
	Get(v uint64) (*Event, error)
	// GetNext returns the event with v == afterV+1. When blocking is true
	// and no such event exists yet, it waits (polling for cross-process
	// writes) until one does; when false it returns (nil, nil) immediately.
	GetNext(afterV uint64, blocking bool) (*Event, error)
	// Set durably records the result and/or error computed for event.V.
	Set(event Event) error
	// LatestVersion returns the highest version written so far.
	LatestVersion() (uint64, error)
}

// TxQueue is a Queue that can also persist Set within a caller-owned
// transaction. SQLQueue implements it because it shares its sqldb.Conn with
// the rest of the store; an external/remote queue implementation may not,
// in which case callers fall back to the plain Queue interface and accept
// a narrower window between queue.Set and the surrounding transaction.
type TxQueue interface {
	Queue
	SetTx(tx *sqldb.Tx, event Event) error
}
