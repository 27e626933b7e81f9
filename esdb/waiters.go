package esdb

import (
	"fmt"

	"github.com/tomyedwab/esdb/queue"
)

// handleResult applies a reduced event, then emits listener notifications
// and resolves the waiter (if any) blocked on this version. If apply itself
// fails, the event is left un-acked in the queue — applied version doesn't
// advance, so the next poll re-fetches and retries the same event.
func (e *ESDB) handleResult(reduced queue.Event) error {
	if err := e.applyEvent(reduced); err != nil {
		return err
	}

	if len(reduced.Error) > 0 {
		e.emit("error", reduced)
	} else {
		e.emit("result", reduced)
	}
	e.emit("handled", reduced)

	e.resolveWaiter(reduced)
	e.sweepWaiters(reduced.V)
	return nil
}

func (e *ESDB) resolveWaiter(reduced queue.Event) {
	e.waitersMu.Lock()
	w, ok := e.waiters[reduced.V]
	if ok {
		delete(e.waiters, reduced.V)
	}
	e.waitersMu.Unlock()
	if !ok {
		return
	}
	if len(reduced.Error) > 0 {
		w.ch <- waiterResult{event: reduced, err: &EventError{Event: reduced}}
	} else {
		w.ch <- waiterResult{event: reduced}
	}
}

// sweepWaiters resolves any waiter registered for a version at or below
// uptoV that handleResult's own resolveWaiter didn't already deliver to —
// recovery for a waiter registered between another goroutine committing an
// event and this one observing the new applied version.
func (e *ESDB) sweepWaiters(uptoV uint64) {
	e.waitersMu.Lock()
	var stale []uint64
	for v := range e.waiters {
		if v <= uptoV {
			stale = append(stale, v)
		}
	}
	e.waitersMu.Unlock()

	for _, v := range stale {
		ev, err := e.queue.Get(v)

		e.waitersMu.Lock()
		w, ok := e.waiters[v]
		if ok {
			delete(e.waiters, v)
		}
		e.waitersMu.Unlock()
		if !ok {
			continue
		}

		if err != nil {
			w.ch <- waiterResult{err: err}
			continue
		}
		if ev == nil {
			w.ch <- waiterResult{err: fmt.Errorf("esdb: event v=%d not found during sweep", v)}
			continue
		}
		if len(ev.Error) > 0 {
			w.ch <- waiterResult{event: *ev, err: &EventError{Event: *ev}}
		} else {
			w.ch <- waiterResult{event: *ev}
		}
	}
}
