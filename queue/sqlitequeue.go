package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomyedwab/esdb/sqldb"
)

const schema = `
CREATE TABLE IF NOT EXISTS esdb_event_v1 (
	v INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	ts INTEGER NOT NULL,
	data BLOB NOT NULL,
	error BLOB,
	result BLOB
)
`

const insertSQL = `INSERT INTO esdb_event_v1 (type, ts, data) VALUES (?, ?, ?)`
const selectByVersionSQL = `SELECT v, type, ts, data, error, result FROM esdb_event_v1 WHERE v = ?`
const updateSQL = `UPDATE esdb_event_v1 SET type = ?, error = ?, result = ? WHERE v = ?`
const latestVersionSQL = `SELECT COALESCE(MAX(v), 0) FROM esdb_event_v1`

// row is the on-disk shape; Event's Error/Result are stored as JSON blobs
// rather than sqlx-mapped columns since they're Go maps, not scalars.
type row struct {
	V      uint64 `db:"v"`
	Type   string `db:"type"`
	Ts     int64  `db:"ts"`
	Data   []byte `db:"data"`
	Error  []byte `db:"error"`
	Result []byte `db:"result"`
}

func (r row) toEvent() (Event, error) {
	ev := Event{V: r.V, Type: r.Type, Ts: r.Ts, Data: json.RawMessage(r.Data)}
	if len(r.Error) > 0 {
		if err := json.Unmarshal(r.Error, &ev.Error); err != nil {
			return Event{}, fmt.Errorf("queue: decoding error column for v=%d: %w", r.V, err)
		}
	}
	if len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, &ev.Result); err != nil {
			return Event{}, fmt.Errorf("queue: decoding result column for v=%d: %w", r.V, err)
		}
	}
	return ev, nil
}

// SQLQueue is a SQLite-backed Queue, grounded in the teacher's event_v1
// table (database/events.go) generalized to the spec's {v, type, ts, data,
// error, result} row shape.
type SQLQueue struct {
	conn *sqldb.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	latest uint64
}

// NewSQLQueue creates the event table if needed and primes the in-memory
// latest-version cache used to wake blocking GetNext callers.
func NewSQLQueue(conn *sqldb.Conn) (*SQLQueue, error) {
	if err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("queue: init schema: %w", err)
	}
	q := &SQLQueue{conn: conn}
	q.cond = sync.NewCond(&q.mu)

	latest, err := q.readLatestFromDB()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.latest = latest
	q.mu.Unlock()
	return q, nil
}

func (q *SQLQueue) readLatestFromDB() (uint64, error) {
	var latest uint64
	if err := q.conn.Get(&latest, latestVersionSQL); err != nil {
		return 0, fmt.Errorf("queue: reading latest version: %w", err)
	}
	return latest, nil
}

func (q *SQLQueue) Add(eventType string, data any, ts int64) (Event, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("queue: encoding event data: %w", err)
	}
	res, err := q.conn.Run(insertSQL, eventType, ts, encoded)
	if err != nil {
		return Event{}, fmt.Errorf("queue: inserting event: %w", err)
	}
	v := uint64(res.LastInsertID)

	q.mu.Lock()
	if v > q.latest {
		q.latest = v
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	return Event{V: v, Type: eventType, Ts: ts, Data: json.RawMessage(encoded)}, nil
}

func (q *SQLQueue) Get(v uint64) (*Event, error) {
	var r row
	err := q.conn.Get(&r, selectByVersionSQL, v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: fetching v=%d: %w", v, err)
	}
	ev, err := r.toEvent()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (q *SQLQueue) fetchIfAvailable(afterV uint64) (*Event, error) {
	latest, err := q.readLatestFromDB()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if latest > q.latest {
		q.latest = latest
	}
	q.mu.Unlock()

	if latest <= afterV {
		return nil, nil
	}
	return q.Get(afterV + 1)
}

// pollInterval bounds how long a blocking GetNext can sleep between
// rechecking the database directly; this is what lets it notice writes
// made by another process, which wouldn't otherwise signal our in-process
// sync.Cond.
const pollInterval = 250 * time.Millisecond

func (q *SQLQueue) GetNext(afterV uint64, blocking bool) (*Event, error) {
	if !blocking {
		return q.fetchIfAvailable(afterV)
	}
	for {
		ev, err := q.fetchIfAvailable(afterV)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
		q.waitForChange(afterV, pollInterval)
	}
}

func (q *SQLQueue) waitForChange(afterV uint64, timeout time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest > afterV {
		return
	}
	timer := time.AfterFunc(timeout, func() { q.cond.Broadcast() })
	defer timer.Stop()
	q.cond.Wait()
}

func (q *SQLQueue) Set(event Event) error {
	errJSON, resultJSON, err := encodeErrorResult(event)
	if err != nil {
		return err
	}
	_, err = q.conn.Run(updateSQL, event.Type, errJSON, resultJSON, event.V)
	if err != nil {
		return fmt.Errorf("queue: updating v=%d: %w", event.V, err)
	}
	return nil
}

// SetTx is the same write issued against a transaction the caller already
// holds, so applyEvent can persist queue.Set and a model's table changes
// atomically instead of the two-step sequence the teacher's applyEvent did.
func (q *SQLQueue) SetTx(tx *sqldb.Tx, event Event) error {
	errJSON, resultJSON, err := encodeErrorResult(event)
	if err != nil {
		return err
	}
	_, err = tx.Run(updateSQL, event.Type, errJSON, resultJSON, event.V)
	if err != nil {
		return fmt.Errorf("queue: updating v=%d: %w", event.V, err)
	}
	return nil
}

func encodeErrorResult(event Event) (errJSON, resultJSON []byte, err error) {
	if event.Error != nil {
		errJSON, err = json.Marshal(event.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: encoding error for v=%d: %w", event.V, err)
		}
	}
	if event.Result != nil {
		resultJSON, err = json.Marshal(event.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("queue: encoding result for v=%d: %w", event.V, err)
		}
	}
	return errJSON, resultJSON, nil
}

func (q *SQLQueue) LatestVersion() (uint64, error) {
	return q.readLatestFromDB()
}
