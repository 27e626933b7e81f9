// Package counter is a minimal model demonstrating how to wire a reducer
// and a deriver into esdb: it tracks a running total and logs every change
// to a history table, the way a real model would split "what changed" from
// "what we want to remember about it" (spec.md §4.6's example/counter).
package counter

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tomyedwab/esdb/esdb"
	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/reducer"
	"github.com/tomyedwab/esdb/sqldb"
	"github.com/tomyedwab/esdb/sqlfrag"
)

// EventTypeIncrement is dispatched with {"by": N} to adjust the counter.
const EventTypeIncrement = "counter:increment"

const schema = `
CREATE TABLE IF NOT EXISTS counter_value (
	id    INTEGER PRIMARY KEY CHECK (id = 0),
	value INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS counter_history (
	v     INTEGER PRIMARY KEY,
	delta INTEGER NOT NULL,
	value INTEGER NOT NULL
);
`

const seedSQL = `INSERT OR IGNORE INTO counter_value (id, value) VALUES (0, 0)`

// Store holds the live counter value and is registered as this model's
// Model object; its ApplyChanges writes what the reducer decided.
type Store struct {
	conn *sqldb.Conn
}

// NewStore creates (if needed) the counter tables and seeds the single
// value row.
func NewStore(conn *sqldb.Conn) (*Store, error) {
	if err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("counter: init schema: %w", err)
	}
	if _, err := conn.Run(seedSQL); err != nil {
		return nil, fmt.Errorf("counter: seeding value row: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Value returns the current counter value.
func (s *Store) Value() (int64, error) {
	var v int64
	err := s.conn.Get(&v, `SELECT value FROM counter_value WHERE id = 0`)
	return v, err
}

type incrementPayload struct {
	By int64 `json:"by"`
}

// Reduce is this model's reducer.Func: it reads the current value inside
// the event's transaction, computes the new total, and returns the change
// describing the row update. A non-increment event type yields no change;
// a malformed payload is returned as an error.
func (s *Store) Reduce(ctx reducer.Context) (queue.Change, bool, error) {
	if ctx.Event.Type != EventTypeIncrement {
		return queue.Change{}, false, nil
	}
	var payload incrementPayload
	if err := json.Unmarshal(ctx.Event.Data, &payload); err != nil {
		return queue.Change{}, false, fmt.Errorf("counter: decoding event data: %w", err)
	}

	var current int64
	err := ctx.Tx.Get(&current, `SELECT value FROM counter_value WHERE id = 0`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return queue.Change{}, false, err
	}
	next := current + payload.By

	return queue.Change{Upd: []map[string]any{{
		"id":    0,
		"value": next,
		"delta": payload.By,
	}}}, true, nil
}

// ApplyChanges is this model's ChangeApplier: it writes the new value,
// built through a sqlfrag fragment instead of a hand-written placeholder
// string.
func (s *Store) ApplyChanges(tx *sqldb.Tx, change queue.Change) error {
	for _, upd := range change.Upd {
		frag := sqlfrag.Must(`UPDATE counter_value SET value = `, upd["value"], ` WHERE id = `, upd["id"], ``)
		if _, err := tx.RunF(frag); err != nil {
			return err
		}
	}
	return nil
}

// Derive appends a history row once the new value has committed.
func (s *Store) Derive(ctx esdb.DeriveContext) error {
	change, ok := ctx.Result["counter"]
	if !ok {
		return nil
	}
	for _, upd := range change.Upd {
		if _, err := s.conn.Run(
			`INSERT OR REPLACE INTO counter_history (v, delta, value) VALUES (?, ?, ?)`,
			ctx.Event.V, upd["delta"], upd["value"],
		); err != nil {
			return fmt.Errorf("counter: recording history for v=%d: %w", ctx.Event.V, err)
		}
	}
	return nil
}

// ModelDef builds the esdb.ModelDef for this model.
func ModelDef(store *Store) esdb.ModelDef {
	return esdb.ModelDef{
		Name:    "counter",
		Model:   store,
		Reducer: store.Reduce,
		Deriver: store.Derive,
	}
}
