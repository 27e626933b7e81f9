package esdb

import (
	"log"
	"time"

	"github.com/tomyedwab/esdb/queue"
)

// idlePollInterval bounds how long waitForEventOnce sleeps between queue
// checks while idling in continuous mode. It is shorter than, and
// independent of, queue.SQLQueue's own cross-process poll interval. Each
// check is a non-blocking GetNext against the queue, so this interval is
// also how soon a newly added event (local or from another process) is
// picked up, and how soon a stop request is noticed.
const idlePollInterval = 50 * time.Millisecond

// checkForEvents primes the pipeline at construction time: it switches the
// loop into continuous polling mode so events written by another process
// (or dispatched before any HandledVersion caller arrives) are still picked
// up and applied.
func (e *ESDB) checkForEvents() {
	e.startPolling(0)
}

// startPolling arms the polling loop. wantVersion > 0 raises the minimum
// version the loop must reach before it's allowed to stop; wantVersion == 0
// switches the loop into continuous mode, where it never stops on its own.
// If a loop run is already active, this just records the new requirement
// and returns — the running loop picks it up on its next iteration.
func (e *ESDB) startPolling(wantVersion uint64) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if wantVersion > e.minVersion {
		e.minVersion = wantVersion
	}
	if wantVersion == 0 {
		e.isPolling = true
	}
	if e.loopRunning {
		return
	}

	e.loopRunning = true
	e.reallyStop = false
	done := make(chan struct{})
	e.loopDone = done
	go e.runLoop(done)
}

// StopPolling disables continuous mode and waits for any in-flight loop run
// to notice and exit. A run sleeping out its idlePollInterval stops at its
// next check, not mid-sleep.
func (e *ESDB) StopPolling() {
	e.loopMu.Lock()
	e.isPolling = false
	e.reallyStop = true
	done := e.loopDone
	running := e.loopRunning
	e.loopMu.Unlock()

	if running && done != nil {
		<-done
	}
}

func (e *ESDB) continuousMode() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.isPolling
}

func (e *ESDB) stopRequested() bool {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	return e.reallyStop
}

// runLoop drains events until waitForEventOnce reports no more work, then
// checks whether a caller raised minVersion past what was just reached
// while the loop was running; if so it starts another pass instead of
// exiting, so a startPolling call racing with loop shutdown never gets lost.
func (e *ESDB) runLoop(done chan struct{}) {
	defer close(done)
	for {
		lastV := e.waitForEventOnce()

		e.loopMu.Lock()
		again := e.minVersion > lastV && !e.reallyStop
		if !again {
			e.loopRunning = false
			e.loopMu.Unlock()
			return
		}
		e.loopMu.Unlock()
	}
}

// waitForEventOnce drains every event currently available and, in
// continuous mode, keeps idling (checking back every idlePollInterval)
// until the caller requests a stop, rather than blocking inside
// queue.GetNext where a stop request couldn't interrupt it. It returns the
// highest applied version it reached. It returns early, without advancing
// past an event, if that event's apply fails — the event remains un-acked
// so the next pass retries it.
func (e *ESDB) waitForEventOnce() uint64 {
	applied, err := e.getVersion()
	if err != nil {
		log.Printf("esdb: reading applied version: %v", err)
		return 0
	}

	for {
		if e.stopRequested() {
			return applied
		}

		ev, err := e.queue.GetNext(applied, false)
		if err != nil {
			log.Printf("esdb: GetNext(%d): %v", applied, err)
			return applied
		}
		if ev == nil {
			if !e.continuousMode() {
				return applied
			}
			time.Sleep(idlePollInterval)
			continue
		}

		reduced, rerr := e.reduce(*ev)
		if rerr != nil {
			log.Printf("esdb: reduce v=%d failed unexpectedly: %v", ev.V, rerr)
			reduced = queue.Event{
				V: ev.V, Type: ev.Type, Ts: ev.Ts, Data: ev.Data,
				Error:  map[string]queue.ErrorInfo{"_redux": {Message: rerr.Error()}},
				Result: map[string]queue.Change{"metadata": {Upd: []map[string]any{{"v": ev.V}}}},
			}
		}

		if herr := e.handleResult(reduced); herr != nil {
			log.Printf("esdb: apply v=%d failed, will retry: %v", ev.V, herr)
			return applied
		}

		applied = ev.V
	}
}
