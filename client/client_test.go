package esdbclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishSendsTypeAndData(t *testing.T) {
	var gotBody publishBody
	var gotCID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCID = r.URL.Query().Get("cid")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		json.NewEncoder(w).Encode(PublishResult{Status: "success", ID: 1, ClientID: gotCID})
	}))
	defer srv.Close()

	c := New(srv.URL, WithClientID("fixed-id"))
	result, err := c.Publish(context.Background(), "counter:increment", map[string]any{"by": 3})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.Status != "success" || result.ID != 1 {
		t.Fatalf("result = %+v", result)
	}
	if gotCID != "fixed-id" {
		t.Fatalf("cid = %q, want fixed-id", gotCID)
	}
	if gotBody.Type != "counter:increment" {
		t.Fatalf("body.Type = %q", gotBody.Type)
	}
}

type publishBody struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestPublishNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Publish(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestPollVersionReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "5" {
			t.Errorf("v = %q, want 5", r.URL.Query().Get("v"))
		}
		w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	raw, err := c.PollVersion(context.Background(), 5)
	if err != nil {
		t.Fatalf("PollVersion: %v", err)
	}
	var decoded struct{ Value int }
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if decoded.Value != 42 {
		t.Fatalf("value = %d, want 42", decoded.Value)
	}
}

func TestPublisherRetriesUntilServerRecovers(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		received.Add(1)
		json.NewEncoder(w).Encode(PublishResult{Status: "success"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	p := NewPublisher(c)
	p.retryBackoff = 10 * time.Millisecond
	defer p.Stop()

	p.PublishAsync("counter:increment", map[string]any{"by": 1})

	time.Sleep(30 * time.Millisecond)
	fail.Store(false)

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() == 0 {
		t.Fatal("publisher never delivered the event after the server recovered")
	}
}
