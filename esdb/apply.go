package esdb

import (
	"fmt"

	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/sqldb"
	"golang.org/x/sync/errgroup"
)

// stripMetadata returns a copy of ev with the "metadata" entry removed from
// Result, since the metadata row is advanced separately (step 1 of
// applyEvent: the persisted queue row never carries the model's own
// bookkeeping change).
func stripMetadata(ev queue.Event) queue.Event {
	if len(ev.Result) == 0 {
		return ev
	}
	stripped := make(map[string]queue.Change, len(ev.Result))
	for k, v := range ev.Result {
		if k == "metadata" {
			continue
		}
		stripped[k] = v
	}
	ev.Result = stripped
	return ev
}

// applyEvent persists a reduced event's outcome: the queue row, every
// model's changes, and the metadata version bump. When the queue shares our
// connection (the common case, via queue.TxQueue), all of it happens in one
// transaction, closing the gap the teacher's applyEvent left between
// queue.set and the table writes (spec.md §9). Derivers run afterward,
// against the now-committed state.
func (e *ESDB) applyEvent(reduced queue.Event) error {
	txq, hasTxQueue := e.queue.(queue.TxQueue)
	persisted := stripMetadata(reduced)

	apply := func(tx *sqldb.Tx) error {
		if hasTxQueue {
			if err := txq.SetTx(tx, persisted); err != nil {
				return fmt.Errorf("esdb: queue.Set: %w", err)
			}
		}
		for _, name := range e.reducerNames {
			change, ok := reduced.Result[name]
			if !ok {
				continue
			}
			applier, ok := e.models[name].(ChangeApplier)
			if !ok {
				continue
			}
			if err := applier.ApplyChanges(tx, change); err != nil {
				return fmt.Errorf("esdb: applying changes for model %q: %w", name, err)
			}
		}
		if mc, ok := reduced.Result["metadata"]; ok {
			if err := e.models["metadata"].(ChangeApplier).ApplyChanges(tx, mc); err != nil {
				return fmt.Errorf("esdb: applying metadata changes: %w", err)
			}
		}
		return nil
	}

	if !hasTxQueue {
		if err := e.queue.Set(persisted); err != nil {
			return fmt.Errorf("esdb: queue.Set: %w", err)
		}
	}
	if err := e.db.WithTransaction(apply); err != nil {
		return err
	}

	return e.runDerivers(reduced)
}

// runDerivers fans out every registered deriver concurrently, grounded in
// golang.org/x/sync/errgroup's fan-out-then-collect pattern, and aggregates
// the first error (if any) once all have finished.
func (e *ESDB) runDerivers(reduced queue.Event) error {
	if len(e.deriverNames) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	store := &txStore{esdb: e}
	for _, name := range e.deriverNames {
		name := name
		deriver := e.derivers[name]
		g.Go(func() error {
			return deriver(DeriveContext{Model: e.models[name], Store: store, Event: reduced, Result: reduced.Result})
		})
	}
	return g.Wait()
}
