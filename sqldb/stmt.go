package sqldb

import (
	"sync"

	"github.com/jmoiron/sqlx"
)

// Stmt is a reusable parameterized query. Its compiled handle is
// invalidated whenever the owning Conn closes (and so is recompiled lazily
// on next use rather than eagerly on reopen).
type Stmt struct {
	conn *Conn
	sql  string

	mu         sync.Mutex
	compiled   *sqlx.Stmt
	generation uint64
	finalized  bool
}

func (c *Conn) registerStmt(s *Stmt) {
	c.stmtsMu.Lock()
	defer c.stmtsMu.Unlock()
	c.stmts = append(c.stmts, s)
}

// finalizeStmts is called with c.mu held, from Close.
func (c *Conn) finalizeStmts() {
	c.stmtsMu.Lock()
	stmts := c.stmts
	c.stmtsMu.Unlock()
	for _, s := range stmts {
		s.invalidate()
	}
}

func (s *Stmt) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != nil {
		_ = s.compiled.Close()
		s.compiled = nil
	}
}

// ensure returns a compiled *sqlx.Stmt bound to db, recompiling if the
// connection has reopened (or this is the first use) since the last
// compile.
func (s *Stmt) ensure(db *sqlx.DB) (*sqlx.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, s.conn.decorate(errStmtFinalized, s.sql)
	}

	s.conn.mu.Lock()
	gen := s.conn.generation
	s.conn.mu.Unlock()

	if s.compiled != nil && s.generation == gen {
		return s.compiled, nil
	}
	if s.compiled != nil {
		_ = s.compiled.Close()
		s.compiled = nil
	}
	p, err := db.Preparex(s.sql)
	if err != nil {
		return nil, s.conn.decorate(err, s.sql)
	}
	s.compiled = p
	s.generation = gen
	return p, nil
}

func (s *Stmt) Get(dest any, binds ...any) error {
	return s.conn.run(func(db *sqlx.DB) error {
		p, err := s.ensure(db)
		if err != nil {
			return err
		}
		return s.conn.decorate(p.Get(dest, binds...), s.sql)
	})
}

func (s *Stmt) All(dest any, binds ...any) error {
	return s.conn.run(func(db *sqlx.DB) error {
		p, err := s.ensure(db)
		if err != nil {
			return err
		}
		return s.conn.decorate(p.Select(dest, binds...), s.sql)
	})
}

func (s *Stmt) Run(binds ...any) (Result, error) {
	var res Result
	err := s.conn.run(func(db *sqlx.DB) error {
		p, err := s.ensure(db)
		if err != nil {
			return err
		}
		r, err := p.Exec(binds...)
		if err != nil {
			return s.conn.decorate(err, s.sql)
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

func (s *Stmt) Each(binds []any, onRow func(*sqlx.Rows) error) (int, error) {
	count := 0
	err := s.conn.run(func(db *sqlx.DB) error {
		p, err := s.ensure(db)
		if err != nil {
			return err
		}
		rows, err := p.Queryx(binds...)
		if err != nil {
			return s.conn.decorate(err, s.sql)
		}
		defer rows.Close()
		for rows.Next() {
			if err := onRow(rows); err != nil {
				return err
			}
			count++
		}
		return s.conn.decorate(rows.Err(), s.sql)
	})
	return count, err
}

// Finalize releases the compiled handle. Idempotent.
func (s *Stmt) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true
	if s.compiled != nil {
		err := s.compiled.Close()
		s.compiled = nil
		return err
	}
	return nil
}
