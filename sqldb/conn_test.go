package sqldb

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestTransactionRollback(t *testing.T) {
	conn := New(Config{})
	defer conn.Close()

	if err := conn.Exec("CREATE TABLE foo (hi INTEGER PRIMARY KEY, ho INT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var rollbacks, finallies int32
	conn.On("rollback", func(any) { atomic.AddInt32(&rollbacks, 1) })
	conn.On("finally", func(any) { atomic.AddInt32(&finallies, 1) })

	wantErr := errors.New("ignoreme")
	err := conn.WithTransaction(func(tx *Tx) error {
		if _, err := tx.Run("INSERT INTO foo (hi, ho) VALUES (43, 1)"); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithTransaction error = %v, want %v", err, wantErr)
	}

	var rows []struct {
		Hi int `db:"hi"`
		Ho int `db:"ho"`
	}
	if err := conn.All(&rows, "SELECT * FROM foo"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v, want empty after rollback", rows)
	}
	if atomic.LoadInt32(&rollbacks) != 1 {
		t.Errorf("rollbacks = %d, want 1", rollbacks)
	}
	if atomic.LoadInt32(&finallies) != 1 {
		t.Errorf("finallies = %d, want 1", finallies)
	}
}

func TestTransactionCommit(t *testing.T) {
	conn := New(Config{})
	defer conn.Close()

	if err := conn.Exec("CREATE TABLE foo (hi INTEGER PRIMARY KEY, ho INT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var ends, finallies int32
	conn.On("end", func(any) { atomic.AddInt32(&ends, 1) })
	conn.On("finally", func(any) { atomic.AddInt32(&finallies, 1) })

	err := conn.WithTransaction(func(tx *Tx) error {
		_, err := tx.Run("INSERT INTO foo (hi, ho) VALUES (1, 2)")
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	var count int
	if err := conn.Get(&count, "SELECT COUNT(*) FROM foo"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if ends != 1 || finallies != 1 {
		t.Errorf("ends=%d finallies=%d, want 1 and 1", ends, finallies)
	}
}

func TestDataVersionChangesAcrossConnections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")

	a := New(Config{File: path})
	defer a.Close()
	b := New(Config{File: path})
	defer b.Close()

	if err := a.Exec("CREATE TABLE t (x INT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var aBefore int64
	var err error
	aBefore, err = a.DataVersion()
	if err != nil {
		t.Fatalf("DataVersion: %v", err)
	}

	var scratch int
	if err := a.Get(&scratch, "SELECT 1"); err != nil {
		t.Fatalf("select 1: %v", err)
	}
	aAfterOwnRead, err := a.DataVersion()
	if err != nil {
		t.Fatalf("DataVersion: %v", err)
	}
	if aAfterOwnRead != aBefore {
		t.Errorf("A's own read changed its dataVersion: %d -> %d", aBefore, aAfterOwnRead)
	}

	bBefore, err := b.DataVersion()
	if err != nil {
		t.Fatalf("DataVersion: %v", err)
	}
	if _, err := b.Run("INSERT INTO t (x) VALUES (1)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	bAfter, err := b.DataVersion()
	if err != nil {
		t.Fatalf("DataVersion: %v", err)
	}
	_ = bAfter

	aAfterBWrite, err := a.DataVersion()
	if err != nil {
		t.Fatalf("DataVersion: %v", err)
	}
	if aAfterBWrite <= aBefore {
		t.Errorf("A's dataVersion did not increase after B's write: before=%d after=%d", aBefore, aAfterBWrite)
	}
	_ = bBefore
}

func TestPrepareReuseResetsToFirstRow(t *testing.T) {
	conn := New(Config{})
	defer conn.Close()

	if err := conn.Exec("CREATE TABLE rows_t (id INTEGER PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := conn.Run("INSERT INTO rows_t (id, v) VALUES (1, 'a'), (2, 'b')"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stmt, err := conn.Prepare("SELECT v FROM rows_t ORDER BY id")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer stmt.Finalize()

	var first, second string
	if err := stmt.Get(&first); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := stmt.Get(&second); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != "a" || second != "a" {
		t.Errorf("Get calls = %q, %q, want repeated first row %q", first, second, "a")
	}
}
