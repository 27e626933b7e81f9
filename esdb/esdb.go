// Package esdb is the event-sourced database core: a single SQLite-backed
// append-only event queue feeding a set of registered models, each of which
// reduces, applies, and (optionally) derives further state from every event
// in strict version order. It is grounded in the teacher's
// database/database.go DB type and nexushub/events manager, generalized
// from the teacher's fixed set of admin/user/app models to an arbitrary
// caller-supplied model registry.
package esdb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomyedwab/esdb/queue"
	"github.com/tomyedwab/esdb/reducer"
	"github.com/tomyedwab/esdb/sqldb"
	"golang.org/x/sync/singleflight"
)

// Config is what New needs to build an ESDB: a connection, an optional
// custom queue (defaulting to a queue.SQLQueue sharing the same connection),
// and the caller's models.
type Config struct {
	DB     *sqldb.Conn
	Queue  queue.Queue
	Models []ModelDef
}

// ESDB is the event pipeline: Dispatch appends an event, the polling loop
// pulls it through each registered model's preprocess/reduce/apply/derive
// hooks in order, and HandledVersion lets a caller await the outcome.
type ESDB struct {
	db    *sqldb.Conn
	queue queue.Queue

	models        map[string]any
	reducers      map[string]reducer.Func
	preprocessors map[string]PreprocessFunc
	derivers      map[string]DeriveFunc
	reducerNames  []string
	preprocNames  []string
	deriverNames  []string

	versionGroup singleflight.Group

	waitersMu sync.Mutex
	waiters   map[uint64]*waiter

	loopMu      sync.Mutex
	loopRunning bool
	isPolling   bool
	reallyStop  bool
	minVersion  uint64
	loopDone    chan struct{}

	listenersMu sync.Mutex
	listeners   map[string][]func(queue.Event)
}

type waiter struct {
	ch chan waiterResult
}

type waiterResult struct {
	event queue.Event
	err   error
}

// New validates cfg, installs the built-in metadata model alongside cfg's
// models, and primes the pipeline by starting continuous polling.
func New(cfg Config) (*ESDB, error) {
	if cfg.DB == nil {
		return nil, errors.New("esdb: DB is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("esdb: at least one model is required")
	}

	e := &ESDB{
		db:            cfg.DB,
		models:        map[string]any{},
		reducers:      map[string]reducer.Func{},
		preprocessors: map[string]PreprocessFunc{},
		derivers:      map[string]DeriveFunc{},
		waiters:       map[uint64]*waiter{},
		listeners:     map[string][]func(queue.Event){},
	}

	if err := cfg.DB.Exec(metadataSchema); err != nil {
		return nil, fmt.Errorf("esdb: init metadata schema: %w", err)
	}
	e.models["metadata"] = metadataStore{}

	for _, m := range cfg.Models {
		if m.Name == "" {
			return nil, errors.New("esdb: model name is required")
		}
		if m.Name == "metadata" {
			return nil, errors.New(`esdb: "metadata" is a reserved model name`)
		}
		if _, exists := e.models[m.Name]; exists {
			return nil, fmt.Errorf("esdb: duplicate model name %q", m.Name)
		}
		if m.Init != nil {
			if err := m.Init(cfg.DB); err != nil {
				return nil, fmt.Errorf("esdb: initializing model %q: %w", m.Name, err)
			}
		}
		e.models[m.Name] = m.Model
		if m.Reducer != nil {
			e.reducers[m.Name] = m.Reducer
			e.reducerNames = append(e.reducerNames, m.Name)
		}
		if m.Preprocessor != nil {
			e.preprocessors[m.Name] = m.Preprocessor
			e.preprocNames = append(e.preprocNames, m.Name)
		}
		if m.Deriver != nil {
			e.derivers[m.Name] = m.Deriver
			e.deriverNames = append(e.deriverNames, m.Name)
		}
	}

	if cfg.Queue != nil {
		e.queue = cfg.Queue
	} else {
		q, err := queue.NewSQLQueue(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("esdb: init default queue: %w", err)
		}
		e.queue = q
	}

	e.checkForEvents()
	return e, nil
}

// Get implements Store: it returns the model store object registered under
// name (including "metadata"), or nil if nothing is registered there.
func (e *ESDB) Get(name string) any {
	return e.models[name]
}

// On registers a listener for "result", "error", or "handled", fired from
// handleResult after an event has been durably applied.
func (e *ESDB) On(event string, fn func(queue.Event)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
}

func (e *ESDB) emit(event string, ev queue.Event) {
	e.listenersMu.Lock()
	fns := append([]func(queue.Event){}, e.listeners[event]...)
	e.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Dispatch appends a new event and resolves once it has been handled,
// mirroring spec.md's dispatch(type, data, ts?) -> Promise<Event>.
func (e *ESDB) Dispatch(eventType string, data any, ts int64) (queue.Event, error) {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	ev, err := e.queue.Add(eventType, data, ts)
	if err != nil {
		return queue.Event{}, fmt.Errorf("esdb: dispatch %q: %w", eventType, err)
	}
	return e.HandledVersion(ev.V)
}

// WaitForQueue resolves once every event currently in the queue has been
// handled, per spec.md's waitForQueue().
func (e *ESDB) WaitForQueue() (queue.Event, error) {
	latest, err := e.queue.LatestVersion()
	if err != nil {
		return queue.Event{}, err
	}
	return e.HandledVersion(latest)
}

// HandledVersion resolves (or rejects, via *EventError) once event v has
// been applied. v == 0 resolves immediately, matching a Dispatch call that
// never produced an event.
func (e *ESDB) HandledVersion(v uint64) (queue.Event, error) {
	if v == 0 {
		return queue.Event{}, nil
	}

	applied, err := e.getVersion()
	if err != nil {
		return queue.Event{}, err
	}
	if v <= applied {
		return e.resolvedEvent(v)
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	e.waitersMu.Lock()
	e.waiters[v] = w
	e.waitersMu.Unlock()

	e.startPolling(v)

	result := <-w.ch
	return result.event, result.err
}

func (e *ESDB) resolvedEvent(v uint64) (queue.Event, error) {
	ev, err := e.queue.Get(v)
	if err != nil {
		return queue.Event{}, err
	}
	if ev == nil {
		return queue.Event{}, fmt.Errorf("esdb: event v=%d not found", v)
	}
	if len(ev.Error) > 0 {
		return *ev, &EventError{Event: *ev}
	}
	return *ev, nil
}
