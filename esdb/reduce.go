package esdb

import (
	"fmt"

	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/reducer"
	"github.com/tomyedwab/esdb/sqldb"
)

// txStore is the Store handed to hooks that run inside the reduce
// transaction; it only ever needs to resolve other models' store objects,
// which don't change shape whether or not a transaction is open.
type txStore struct {
	esdb *ESDB
}

func (s *txStore) Get(name string) any { return s.esdb.models[name] }

func setError(existing map[string]queue.ErrorInfo, key, msg string) map[string]queue.ErrorInfo {
	if existing == nil {
		existing = map[string]queue.ErrorInfo{}
	}
	existing[key] = queue.ErrorInfo{Message: msg}
	return existing
}

// reduce runs one event through every registered preprocessor, then the
// composed reducers, all inside a single transaction (spec.md §4.5
// "reducer(state, event)"). The metadata reducer always runs, even when
// preprocessing rejected the event, so applied-version tracking advances
// monotonically regardless of how an event ultimately fares.
func (e *ESDB) reduce(event queue.Event) (queue.Event, error) {
	var out queue.Event
	store := &txStore{esdb: e}

	err := e.db.WithTransaction(func(tx *sqldb.Tx) error {
		working := event

		for _, name := range e.preprocNames {
			pp := e.preprocessors[name]
			next, perr := pp(PreprocessContext{Model: e.models[name], Store: store, Event: working, Tx: tx})
			if perr != nil {
				working.Error = setError(working.Error, "_preprocess", perr.Error())
				break
			}
			if next == nil {
				continue
			}
			if next.V != working.V || next.Type == "" {
				working.Error = setError(working.Error, "_preprocess",
					fmt.Sprintf("preprocessor %q must retain event version and set a type", name))
				break
			}
			working = *next
			if len(working.Error) > 0 {
				break
			}
		}

		metaChange, merr := e.reduceMetadata(tx, working)
		if merr != nil {
			metaChange = queue.Change{Error: &queue.ErrorInfo{Message: merr.Error()}}
		}

		if len(working.Error) > 0 {
			out = queue.Event{
				V: working.V, Type: working.Type, Ts: working.Ts, Data: working.Data,
				Error:  working.Error,
				Result: map[string]queue.Change{"metadata": metaChange},
			}
			return nil
		}

		changes := reducer.Compose(e.reducerNames, e.reducers, e.models, store, working, tx)
		changes["metadata"] = metaChange

		var errs map[string]queue.ErrorInfo
		for name, ch := range changes {
			if ch.Error != nil {
				errs = setError(errs, name, ch.Error.Message)
			}
		}

		result := changes
		if len(errs) > 0 {
			// A reducer error discards every model's change, not just the
			// erroring one's: the event as a whole failed, so no partial
			// mutation may reach ApplyChanges. Only metadata's version bump
			// survives.
			result = map[string]queue.Change{"metadata": metaChange}
		}

		out = queue.Event{
			V: working.V, Type: working.Type, Ts: working.Ts, Data: working.Data,
			Error: errs, Result: result,
		}
		return nil
	})
	if err != nil {
		return queue.Event{}, err
	}
	return out, nil
}
