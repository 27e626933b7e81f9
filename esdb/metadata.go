package esdb

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/sqldb"
)

// The built-in "metadata" model tracks the last applied event version in a
// single row, {id: 'version', v}. It is reserved: no caller may register a
// model under this name (spec.md §4.6).
const (
	metadataSchema = `
CREATE TABLE IF NOT EXISTS esdb_metadata (
	id TEXT PRIMARY KEY,
	v  INTEGER NOT NULL
)
`
	metadataSelectSQL = `SELECT v FROM esdb_metadata WHERE id = 'version'`
	metadataUpsertSQL = `INSERT INTO esdb_metadata (id, v) VALUES ('version', ?)
		ON CONFLICT(id) DO UPDATE SET v = excluded.v`
)

type metadataRow struct {
	V uint64 `db:"v"`
}

// metadataStore is the ChangeApplier for the built-in metadata model.
type metadataStore struct{}

func (metadataStore) ApplyChanges(tx *sqldb.Tx, change queue.Change) error {
	for _, u := range change.Upd {
		if _, err := tx.Run(metadataUpsertSQL, u["v"]); err != nil {
			return err
		}
	}
	return nil
}

// reduceMetadata is the metadata model's reducer: it writes {id: 'version',
// v: event.V} iff event.V is strictly greater than the currently recorded
// version, and otherwise rejects the event as already applied or
// out-of-order.
func (e *ESDB) reduceMetadata(tx *sqldb.Tx, event queue.Event) (queue.Change, error) {
	var cur metadataRow
	err := tx.Get(&cur, metadataSelectSQL)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return queue.Change{}, err
	}
	if event.V > cur.V {
		return queue.Change{Upd: []map[string]any{{"v": event.V}}}, nil
	}
	return queue.Change{}, fmt.Errorf("current version %d is >= event version %d", cur.V, event.V)
}

func (e *ESDB) getRawVersion() (uint64, error) {
	var row metadataRow
	err := e.db.Get(&row, metadataSelectSQL)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.V, nil
}

// getVersion reads the applied version, coalescing concurrent readers
// through singleflight the way the teacher's nexushub/events manager
// coalesces concurrent _waitForEvent callers onto one in-flight promise.
func (e *ESDB) getVersion() (uint64, error) {
	v, err, _ := e.versionGroup.Do("applied-version", func() (any, error) {
		return e.getRawVersion()
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}
