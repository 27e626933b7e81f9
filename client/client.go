// Package esdbclient is a small Go client for the HTTP surface the
// example/counter demo (and any server built the same way) exposes:
// POST /api/publish to dispatch an event, GET /api/poll?v=N to await a
// version. It adapts the teacher's clients/go package — dropping the
// OAuth/refresh-token and TLS-pinning machinery, which has no home here
// since this spec has no auth/session surface — down to its queued,
// retrying event publisher (clients/go/publisher.go), generalized from
// "Yesterday API" to the generic {type, data} event body this spec's
// server expects.
package esdbclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Client talks to one ESDB-backed HTTP server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clientID   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default 30s-timeout http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientID overrides the random per-client id sent as ?cid= on publish.
// The example/counter server echoes it back as clientId; it does not
// deduplicate publishes by it.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// New creates a Client for the server at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clientID:   randomID(8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func randomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// PublishResult mirrors the JSON the server's /api/publish returns.
type PublishResult struct {
	Status   string `json:"status"`
	ID       uint64 `json:"id"`
	ClientID string `json:"clientId"`
}

// Publish dispatches one event and returns the version it was assigned.
// It returns when the server responds; the example/counter server responds
// only after the event has been handled. PollVersion with the returned ID
// waits for that same version.
func (c *Client) Publish(ctx context.Context, eventType string, data any) (PublishResult, error) {
	body, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		return PublishResult{}, fmt.Errorf("esdbclient: encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/publish?cid="+url.QueryEscape(c.clientID), bytes.NewReader(body))
	if err != nil {
		return PublishResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PublishResult{}, fmt.Errorf("esdbclient: publish request: %w", err)
	}
	defer resp.Body.Close()

	return decodePublishResult(resp)
}

func decodePublishResult(resp *http.Response) (PublishResult, error) {
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return PublishResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PublishResult{}, fmt.Errorf("esdbclient: publish failed: %s: %s", resp.Status, buf)
	}
	var result PublishResult
	if err := json.Unmarshal(buf, &result); err != nil {
		return PublishResult{}, fmt.Errorf("esdbclient: decoding publish response: %w", err)
	}
	return result, nil
}

// PollVersion blocks on GET /api/poll?v=N until the server reports it has
// handled version v (or ctx is cancelled).
func (c *Client) PollVersion(ctx context.Context, v uint64) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/poll?v="+strconv.FormatUint(v, 10), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("esdbclient: poll request: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esdbclient: poll failed: %s: %s", resp.Status, buf)
	}
	return json.RawMessage(buf), nil
}

// pendingEvent is one queued-but-not-yet-confirmed publish.
type pendingEvent struct {
	eventType string
	data      any
	attempts  int
}

// Publisher queues events and retries failed publishes with backoff in the
// background, the way clients/go/publisher.go's EventPublisher does, so a
// caller's PublishAsync call never blocks on network I/O.
type Publisher struct {
	client       *Client
	retryBackoff time.Duration
	maxRetries   int

	mu      sync.Mutex
	queue   []pendingEvent
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewPublisher starts a background goroutine that drains the queue.
func NewPublisher(client *Client) *Publisher {
	p := &Publisher{
		client:       client,
		retryBackoff: time.Second,
		maxRetries:   10,
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	p.running = true
	p.wg.Add(1)
	go p.run()
	return p
}

// PublishAsync enqueues an event for background publishing and returns
// immediately.
func (p *Publisher) PublishAsync(eventType string, data any) {
	p.mu.Lock()
	p.queue = append(p.queue, pendingEvent{eventType: eventType, data: data})
	p.mu.Unlock()
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Stop drains any in-flight retry wait and stops the background goroutine.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		p.drain()
		select {
		case <-p.stopCh:
			return
		case <-p.wakeCh:
		case <-time.After(p.retryBackoff):
		}
	}
}

func (p *Publisher) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := p.client.Publish(ctx, next.eventType, next.data)
		cancel()

		p.mu.Lock()
		if err != nil {
			next.attempts++
			if next.attempts > p.maxRetries {
				// Give up on this event; drop it so one bad event can't
				// wedge the whole queue.
				p.queue = p.queue[1:]
			} else {
				p.queue[0] = next
			}
			p.mu.Unlock()
			return
		}
		p.queue = p.queue[1:]
		p.mu.Unlock()
	}
}
