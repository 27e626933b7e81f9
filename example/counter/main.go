// Command counter is a runnable demonstration of the ESDB core: a single
// counter model reachable over HTTP, exercising sqldb, queue, reducer, and
// esdb end to end (spec.md §8's happy-path scenario). It follows the teacher's apps/example/main.go +
// database/handlers.go shape: flag-based config, /api/publish to dispatch,
// /api/poll to long-poll for a version.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tomyedwab/esdb/esdb"
	"github.com/tomyedwab/esdb/example/counter"
	"github.com/tomyedwab/esdb/sqldb"
)

func logRequests(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s - %s %s - %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		log.Printf("%s - %s %s ERROR: %v", r.RemoteAddr, r.Method, r.URL.Path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

type publishBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	dbPath := flag.String("dbPath", "", "Path to the SQLite database file")
	port := flag.Int("port", 8080, "Port for the HTTP server")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("Database path must be provided via -dbPath flag")
	}

	conn := sqldb.New(sqldb.Config{File: *dbPath})
	if err := conn.Open(); err != nil {
		log.Fatalf("opening database: %v", err)
	}

	store, err := counter.NewStore(conn)
	if err != nil {
		log.Fatalf("initializing counter model: %v", err)
	}

	pipeline, err := esdb.New(esdb.Config{
		DB:     conn,
		Models: []esdb.ModelDef{counter.ModelDef(store)},
	})
	if err != nil {
		log.Fatalf("initializing esdb: %v", err)
	}

	http.HandleFunc("/api/publish", logRequests(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "invalid method", http.StatusMethodNotAllowed)
			return
		}

		clientID := r.URL.Query().Get("cid")
		if clientID == "" {
			clientID = uuid.New().String()
		}

		buf, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, r, nil, err)
			return
		}
		var body publishBody
		if err := json.Unmarshal(buf, &body); err != nil {
			writeJSON(w, r, nil, fmt.Errorf("parsing request body: %w", err))
			return
		}

		ev, err := pipeline.Dispatch(body.Type, json.RawMessage(body.Data), time.Now().UnixMilli())
		if err != nil {
			if evErr, ok := err.(*esdb.EventError); ok {
				writeJSON(w, r, map[string]any{"status": "rejected", "id": evErr.Event.V, "clientId": clientID}, nil)
				return
			}
			writeJSON(w, r, nil, err)
			return
		}
		writeJSON(w, r, map[string]any{"status": "success", "id": ev.V, "clientId": clientID}, nil)
	}))

	http.HandleFunc("/api/poll", logRequests(func(w http.ResponseWriter, r *http.Request) {
		vStr := r.URL.Query().Get("v")
		v, err := strconv.ParseUint(vStr, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid version %q", vStr), http.StatusBadRequest)
			return
		}

		ev, err := pipeline.HandledVersion(v)
		if err != nil {
			if _, ok := err.(*esdb.EventError); !ok {
				writeJSON(w, r, nil, err)
				return
			}
		}
		value, verr := store.Value()
		writeJSON(w, r, map[string]any{"event": ev, "value": value}, verr)
	}))

	http.HandleFunc("/api/value", logRequests(func(w http.ResponseWriter, r *http.Request) {
		value, err := store.Value()
		writeJSON(w, r, map[string]any{"value": value}, err)
	}))

	log.Printf("counter demo listening on :%d (db=%s)", *port, *dbPath)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
		log.Fatal(err)
	}
}
