// Package sqldb wraps a single SQLite connection (opened via the
// mattn/go-sqlite3 driver through sqlx) behind a serialized work queue, the
// Go equivalent of the async single-writer handle described by the ESDB
// spec: every operation is handed to one dispatcher goroutine so exactly
// one SQL statement is in flight on the underlying connection at a time.
package sqldb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"
)

// Config enumerates how a Conn opens its underlying database.
type Config struct {
	// File is the path to the SQLite database file. Empty means in-memory.
	File string
	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
	// OnWillOpen, if set, is invoked once immediately before each physical
	// open (e.g. to create a parent directory).
	OnWillOpen func() error
	// AutoVacuum enables PRAGMA auto_vacuum=FULL at open and arms a
	// periodic incremental vacuum.
	AutoVacuum bool
	// VacuumInterval controls how often incremental vacuum runs when
	// AutoVacuum is set. Defaults to one hour.
	VacuumInterval time.Duration
}

// Result mirrors the {lastID, changes} pair spec.md's run() returns.
type Result struct {
	LastInsertID int64
	Changes      int64
}

// Conn is a single logical connection to a SQLite database.
type Conn struct {
	cfg Config

	mu         sync.Mutex
	db         *sqlx.DB
	opened     bool
	generation uint64

	tasks          chan func()
	dispatcherOnce sync.Once

	txSem *semaphore.Weighted

	stmtsMu sync.Mutex
	stmts   []*Stmt

	listenersMu sync.Mutex
	listeners   map[string][]func(any)

	vacuumMu   sync.Mutex
	vacuumStop chan struct{}
}

// New creates a connection handle. Nothing is opened until the first
// operation or an explicit Open call.
func New(cfg Config) *Conn {
	return &Conn{
		cfg:       cfg,
		tasks:     make(chan func()),
		txSem:     semaphore.NewWeighted(1),
		listeners: make(map[string][]func(any)),
	}
}

func (c *Conn) identity() string {
	if c.cfg.File == "" {
		return ":memory:"
	}
	return c.cfg.File
}

func (c *Conn) decorate(err error, sqlText string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sqldb(%s): %s: %w", c.identity(), sqlText, err)
}

// Open lazily establishes the physical connection if it isn't already open.
func (c *Conn) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Conn) openLocked() error {
	if c.opened {
		return nil
	}
	if c.cfg.OnWillOpen != nil {
		if err := c.cfg.OnWillOpen(); err != nil {
			return fmt.Errorf("sqldb: onWillOpen: %w", err)
		}
	}

	dsn := c.cfg.File
	if dsn == "" {
		dsn = ":memory:"
	}
	if c.cfg.ReadOnly {
		dsn += "?mode=ro"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return c.decorate(err, "open")
	}
	// SQLite is single-writer by nature; pinning to one physical
	// connection keeps our hand-rolled BEGIN IMMEDIATE/COMMIT/ROLLBACK
	// statements (see tx.go) talking to the same connection throughout a
	// transaction, which database/sql's pool would not otherwise
	// guarantee.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return c.decorate(err, "open")
	}

	if c.cfg.AutoVacuum {
		if _, err := db.Exec("PRAGMA auto_vacuum=FULL"); err != nil {
			db.Close()
			return c.decorate(err, "PRAGMA auto_vacuum=FULL")
		}
	}

	c.db = db
	c.opened = true
	c.generation++

	if c.cfg.AutoVacuum {
		c.startVacuumScheduling()
	}

	return nil
}

// Close finalizes prepared statements, cancels vacuum scheduling, and
// releases the underlying handle. A later operation transparently reopens
// it (a fresh, empty database in the in-memory case).
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.stopVacuumScheduling()
	c.finalizeStmts()
	err := c.db.Close()
	c.db = nil
	c.opened = false
	return err
}

// run posts fn to the single dispatcher goroutine and blocks until it has
// run against the (lazily opened) underlying *sqlx.DB.
func (c *Conn) run(fn func(db *sqlx.DB) error) error {
	if err := c.Open(); err != nil {
		return err
	}
	c.mu.Lock()
	db := c.db
	tasks := c.tasks
	c.mu.Unlock()

	done := make(chan error, 1)
	tasks <- func() { done <- fn(db) }
	return <-done
}

// dispatchLoop is started lazily the first time work is enqueued.
func (c *Conn) dispatchLoop() {
	for task := range c.tasks {
		task()
	}
}

func (c *Conn) ensureDispatcher() {
	c.dispatcherOnce.Do(func() { go c.dispatchLoop() })
}

// Exec runs a (possibly multi-statement) script with no rows returned.
func (c *Conn) Exec(sqlText string) error {
	c.ensureDispatcher()
	return c.run(func(db *sqlx.DB) error {
		_, err := db.Exec(sqlText)
		return c.decorate(err, sqlText)
	})
}

// Run executes a single statement and reports the insert id and row count.
func (c *Conn) Run(sqlText string, binds ...any) (Result, error) {
	c.ensureDispatcher()
	var res Result
	err := c.run(func(db *sqlx.DB) error {
		r, err := db.Exec(sqlText, binds...)
		if err != nil {
			return c.decorate(err, sqlText)
		}
		if id, err := r.LastInsertId(); err == nil {
			res.LastInsertID = id
		}
		if n, err := r.RowsAffected(); err == nil {
			res.Changes = n
		}
		return nil
	})
	return res, err
}

// Get returns the first row, or sql.ErrNoRows if there isn't one.
func (c *Conn) Get(dest any, sqlText string, binds ...any) error {
	c.ensureDispatcher()
	return c.run(func(db *sqlx.DB) error {
		return c.decorate(db.Get(dest, sqlText, binds...), sqlText)
	})
}

// All returns every matching row.
func (c *Conn) All(dest any, sqlText string, binds ...any) error {
	c.ensureDispatcher()
	return c.run(func(db *sqlx.DB) error {
		return c.decorate(db.Select(dest, sqlText, binds...), sqlText)
	})
}

// Each streams rows to onRow and resolves with the row count.
func (c *Conn) Each(sqlText string, binds []any, onRow func(*sqlx.Rows) error) (int, error) {
	if onRow == nil {
		return 0, fmt.Errorf("sqldb: Each requires a callback")
	}
	c.ensureDispatcher()
	count := 0
	err := c.run(func(db *sqlx.DB) error {
		rows, err := db.Queryx(sqlText, binds...)
		if err != nil {
			return c.decorate(err, sqlText)
		}
		defer rows.Close()
		for rows.Next() {
			if err := onRow(rows); err != nil {
				return err
			}
			count++
		}
		return c.decorate(rows.Err(), sqlText)
	})
	return count, err
}

// Prepare returns a reusable prepared statement.
func (c *Conn) Prepare(sqlText string) (*Stmt, error) {
	c.ensureDispatcher()
	if err := c.Open(); err != nil {
		return nil, err
	}
	st := &Stmt{conn: c, sql: sqlText}
	c.registerStmt(st)
	return st, nil
}

// DataVersion returns PRAGMA data_version: a per-connection counter that
// increases whenever another connection commits a write to the same file.
func (c *Conn) DataVersion() (int64, error) {
	c.ensureDispatcher()
	var v int64
	err := c.run(func(db *sqlx.DB) error {
		return c.decorate(db.Get(&v, "PRAGMA data_version"), "PRAGMA data_version")
	})
	return v, err
}

// UserVersion reads PRAGMA user_version.
func (c *Conn) UserVersion() (int64, error) {
	c.ensureDispatcher()
	var v int64
	err := c.run(func(db *sqlx.DB) error {
		return c.decorate(db.Get(&v, "PRAGMA user_version"), "PRAGMA user_version")
	})
	return v, err
}

// SetUserVersion writes PRAGMA user_version. SQLite doesn't allow binding
// pragma values, so v is formatted directly into the statement text.
func (c *Conn) SetUserVersion(v int64) error {
	c.ensureDispatcher()
	stmt := fmt.Sprintf("PRAGMA user_version = %d", v)
	return c.run(func(db *sqlx.DB) error {
		_, err := db.Exec(stmt)
		return c.decorate(err, stmt)
	})
}

// On registers a listener for "begin", "end", "rollback", or "finally"
// transaction events.
func (c *Conn) On(event string, fn func(any)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[event] = append(c.listeners[event], fn)
}

func (c *Conn) emit(event string, payload any) {
	c.listenersMu.Lock()
	fns := append([]func(any){}, c.listeners[event]...)
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (c *Conn) startVacuumScheduling() {
	interval := c.cfg.VacuumInterval
	if interval <= 0 {
		interval = time.Hour
	}
	stop := make(chan struct{})
	c.vacuumMu.Lock()
	c.vacuumStop = stop
	c.vacuumMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = c.run(func(db *sqlx.DB) error {
					_, err := db.Exec("PRAGMA incremental_vacuum")
					return err
				})
			}
		}
	}()
}

func (c *Conn) stopVacuumScheduling() {
	c.vacuumMu.Lock()
	defer c.vacuumMu.Unlock()
	if c.vacuumStop != nil {
		close(c.vacuumStop)
		c.vacuumStop = nil
	}
}

// HasVacuumScheduler reports whether a periodic incremental-vacuum
// goroutine is currently armed, making the scheduling handle observable as
// spec.md requires.
func (c *Conn) HasVacuumScheduler() bool {
	c.vacuumMu.Lock()
	defer c.vacuumMu.Unlock()
	return c.vacuumStop != nil
}

// WithContext is a convenience for callers that want to bound a Run/Get/All
// call with a deadline; the underlying dispatch is otherwise unbounded.
func (c *Conn) WithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
