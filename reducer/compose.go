// Package reducer combines the per-model reducer functions registered with
// an ESDB into a single pass over one event, collecting each model's
// change description (or error) without letting one model's failure stop
// the others — grounded in the teacher's per-event-type switch in
// users/state/db-users.go's UserStateHandler, generalized from "one
// handler, type switch" to "many named reducers, each opaque".
package reducer

import (
	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/sqldb"
)

// Store is the minimal lookup a reducer needs into the set of registered
// models; esdb.ESDB implements it without reducer needing to import esdb.
type Store interface {
	Get(name string) any
}

// Context is what a reducer function receives: its own model, a handle to
// look up other models by name, the event being reduced, and the
// transaction the whole pass is running inside, for reducers that need to
// read current table state before deciding their Change.
type Context struct {
	Model any
	Store Store
	Event queue.Event
	Tx    *sqldb.Tx
}

// Func is a single model's reducer: it inspects ctx.Event and returns the
// change to apply, or changed=false to mean "no change" (spec.md §4.4:
// reducer returned false or the identity model).
type Func func(ctx Context) (change queue.Change, changed bool, err error)

// Compose runs every reducer named in order against event, in that order
// (registration order, since reducers within one event share the same
// transaction and some may read state others just wrote). A reducer's
// error is attached to its own entry and does not prevent the rest from
// running. Reducers that report no change are omitted from the result, so
// callers can skip applying in ApplyChanges.
func Compose(order []string, reducers map[string]Func, models map[string]any, store Store, event queue.Event, tx *sqldb.Tx) map[string]queue.Change {
	result := make(map[string]queue.Change, len(order))
	for _, name := range order {
		reduce, ok := reducers[name]
		if !ok {
			continue
		}
		change, changed, err := reduce(Context{Model: models[name], Store: store, Event: event, Tx: tx})
		if err != nil {
			result[name] = queue.Change{Error: &queue.ErrorInfo{Message: err.Error()}}
			continue
		}
		if !changed || change.IsEmpty() {
			continue
		}
		result[name] = change
	}
	return result
}
