package sqldb

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Tx is the handle passed to a WithTransaction body. Because the
// transaction is delimited by hand-issued BEGIN IMMEDIATE/COMMIT/ROLLBACK
// statements (so data_version and single-writer semantics line up with
// SQLite's own expectations) rather than database/sql's *sql.Tx, Tx simply
// re-exposes Conn's statement-execution surface against the connection
// already pinned for this transaction.
type Tx struct {
	conn *Conn
	db   *sqlx.DB
}

func (t *Tx) Exec(sqlText string) error {
	_, err := t.db.Exec(sqlText)
	return t.conn.decorate(err, sqlText)
}

func (t *Tx) Run(sqlText string, binds ...any) (Result, error) {
	var res Result
	r, err := t.db.Exec(sqlText, binds...)
	if err != nil {
		return res, t.conn.decorate(err, sqlText)
	}
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	if n, err := r.RowsAffected(); err == nil {
		res.Changes = n
	}
	return res, nil
}

func (t *Tx) Get(dest any, sqlText string, binds ...any) error {
	return t.conn.decorate(t.db.Get(dest, sqlText, binds...), sqlText)
}

func (t *Tx) All(dest any, sqlText string, binds ...any) error {
	return t.conn.decorate(t.db.Select(dest, sqlText, binds...), sqlText)
}

func (t *Tx) Each(sqlText string, binds []any, onRow func(*sqlx.Rows) error) (int, error) {
	rows, err := t.db.Queryx(sqlText, binds...)
	if err != nil {
		return 0, t.conn.decorate(err, sqlText)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		if err := onRow(rows); err != nil {
			return count, err
		}
		count++
	}
	return count, t.conn.decorate(rows.Err(), sqlText)
}

// WithTransaction seizes the connection's write lock, runs BEGIN IMMEDIATE,
// and awaits body. On success it commits and emits "end"; on failure it
// rolls back and emits "rollback"; "finally" fires exactly once either way.
// A second WithTransaction call made while one is running queues behind it.
func (c *Conn) WithTransaction(body func(tx *Tx) error) error {
	if err := c.txSem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.txSem.Release(1)

	c.ensureDispatcher()
	return c.run(func(db *sqlx.DB) (err error) {
		c.emit("begin", nil)
		defer c.emit("finally", nil)

		if _, err := db.Exec("BEGIN IMMEDIATE"); err != nil {
			return c.decorate(err, "BEGIN IMMEDIATE")
		}

		tx := &Tx{conn: c, db: db}
		bodyErr := body(tx)
		if bodyErr != nil {
			_, _ = db.Exec("ROLLBACK")
			c.emit("rollback", bodyErr)
			return bodyErr
		}

		if _, commitErr := db.Exec("COMMIT"); commitErr != nil {
			_, _ = db.Exec("ROLLBACK")
			wrapped := c.decorate(commitErr, "COMMIT")
			c.emit("rollback", wrapped)
			return wrapped
		}

		c.emit("end", nil)
		return nil
	})
}
