package queue

import (
	"testing"
	"time"

	"github.com/tomyedwab/esdb/sqldb"
)

func TestAddGetRoundTrip(t *testing.T) {
	conn := sqldb.New(sqldb.Config{})
	defer conn.Close()

	q, err := NewSQLQueue(conn)
	if err != nil {
		t.Fatalf("NewSQLQueue: %v", err)
	}

	ev, err := q.Add("inc", map[string]any{"by": 1}, 100)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ev.V != 1 {
		t.Fatalf("first event V = %d, want 1", ev.V)
	}

	got, err := q.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Type != "inc" {
		t.Fatalf("Get(1) = %+v, want type inc", got)
	}

	missing, err := q.Get(99)
	if err != nil {
		t.Fatalf("Get(99): %v", err)
	}
	if missing != nil {
		t.Errorf("Get(99) = %+v, want nil", missing)
	}
}

func TestGetNextNonBlocking(t *testing.T) {
	conn := sqldb.New(sqldb.Config{})
	defer conn.Close()
	q, err := NewSQLQueue(conn)
	if err != nil {
		t.Fatalf("NewSQLQueue: %v", err)
	}

	ev, err := q.GetNext(0, false)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if ev != nil {
		t.Fatalf("GetNext on empty queue = %+v, want nil", ev)
	}

	if _, err := q.Add("inc", 1, 100); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ev, err = q.GetNext(0, false)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if ev == nil || ev.V != 1 {
		t.Fatalf("GetNext(0,false) = %+v, want v=1", ev)
	}
}

func TestGetNextBlockingWakesOnAdd(t *testing.T) {
	conn := sqldb.New(sqldb.Config{})
	defer conn.Close()
	q, err := NewSQLQueue(conn)
	if err != nil {
		t.Fatalf("NewSQLQueue: %v", err)
	}

	resultCh := make(chan *Event, 1)
	errCh := make(chan error, 1)
	go func() {
		ev, err := q.GetNext(0, true)
		resultCh <- ev
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.Add("inc", 1, 100); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case ev := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("GetNext error: %v", err)
		}
		if ev == nil || ev.V != 1 {
			t.Fatalf("GetNext(0,true) = %+v, want v=1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetNext(0, true) did not wake up after Add")
	}
}

func TestSetPersistsResultAndError(t *testing.T) {
	conn := sqldb.New(sqldb.Config{})
	defer conn.Close()
	q, err := NewSQLQueue(conn)
	if err != nil {
		t.Fatalf("NewSQLQueue: %v", err)
	}

	ev, err := q.Add("inc", 1, 100)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ev.Error = map[string]ErrorInfo{"counter": {Message: "bad"}}
	if err := q.Set(ev); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := q.Get(ev.V)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Error["counter"].Message != "bad" {
		t.Fatalf("Error = %+v, want counter: bad", got.Error)
	}
}
