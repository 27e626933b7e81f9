package esdb

import (
	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/reducer"
	"github.com/tomyedwab/esdb/sqldb"
)

// Store is how a hook looks up another registered model's store object by
// name — esdb.ESDB and the per-transaction store both implement it, and it
// is structurally identical to reducer.Store so either satisfies both.
type Store interface {
	Get(name string) any
}

// ChangeApplier is what a registered model's store object must implement
// for applyEvent to write its reducer's changes (spec.md §6: "applyChanges
// on the registered store object").
type ChangeApplier interface {
	ApplyChanges(tx *sqldb.Tx, change queue.Change) error
}

// PreprocessContext is passed to a model's Preprocessor hook.
type PreprocessContext struct {
	Model any
	Store Store
	Event queue.Event
	Tx    *sqldb.Tx
}

// PreprocessFunc may rewrite an event before reducers see it. It must
// retain Event.V and return an event with a non-empty Type; violating
// either is a misuse error surfaced under event.Error["_preprocess"].
type PreprocessFunc func(ctx PreprocessContext) (*queue.Event, error)

// DeriveContext is passed to a model's Deriver hook, after reducer changes
// for the event have committed.
type DeriveContext struct {
	Model  any
	Store  Store
	Event  queue.Event
	Result map[string]queue.Change
}

// DeriveFunc runs after apply and may mutate tables directly through Store.
type DeriveFunc func(ctx DeriveContext) error

// ModelDef registers one model with an ESDB.
type ModelDef struct {
	// Name identifies this model; "metadata" is reserved for the built-in
	// version-tracking model.
	Name string
	// Model is the store object the reducer/deriver hooks receive and
	// (when Reducer is set) that applyEvent calls ApplyChanges on.
	Model any
	// Init runs once at registration time, typically to create tables.
	Init func(conn *sqldb.Conn) error
	// Reducer, if set, participates in the composed reduction for every
	// event (spec.md §4.4); Model must implement ChangeApplier.
	Reducer reducer.Func
	// Preprocessor, if set, may rewrite the event before reducers run.
	Preprocessor PreprocessFunc
	// Deriver, if set, runs after the event's changes have been applied.
	Deriver DeriveFunc
}
