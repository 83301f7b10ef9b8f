// Package correlate pairs outbound interaction requests with their eventual
// responses by correlation id, so callers can await a response on an
// asynchronous channel as if the exchange were synchronous.
package correlate

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Disposition describes how a pending request was resolved.
type Disposition string

const (
	// DispositionAnswered means a matching response arrived.
	DispositionAnswered Disposition = "answered"

	// DispositionCancelled means the connection carrying the request was
	// destroyed before a response arrived. Callers must treat this as
	// distinct from a negative answer.
	DispositionCancelled Disposition = "cancelled"

	// DispositionTimedOut means the caller-supplied window elapsed.
	DispositionTimedOut Disposition = "timed-out"
)

// Response is the terminal outcome of a pending request.
type Response struct {
	Disposition Disposition
	Value       json.RawMessage
}

type pendingRequest struct {
	ch    chan Response
	timer *time.Timer
}

// Correlator tracks pending requests keyed by correlation id. Resolution is
// id-driven, so out-of-order responses are supported; a given id resolves at
// most once and late or duplicate resolutions are ignored.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
	}
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.New().String()
}

// Register creates a pending request for id and returns the channel its
// resolution will be delivered on. The channel receives exactly one Response.
// A timeout of zero means the request waits until resolved or cancelled.
func (c *Correlator) Register(id string, timeout time.Duration) <-chan Response {
	p := &pendingRequest{
		ch: make(chan Response, 1),
	}

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.finish(id, Response{Disposition: DispositionTimedOut})
		})
	}

	return p.ch
}

// Resolve delivers a response for id. It reports whether a pending request
// was resolved; an unknown id (late or duplicate delivery) is ignored.
func (c *Correlator) Resolve(id string, value json.RawMessage) bool {
	return c.finish(id, Response{Disposition: DispositionAnswered, Value: value})
}

// Cancel resolves a single pending request as cancelled.
func (c *Correlator) Cancel(id string) bool {
	return c.finish(id, Response{Disposition: DispositionCancelled})
}

// CancelAll resolves every pending request as cancelled. Called when the
// connection carrying the requests is destroyed; no request is left dangling.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- Response{Disposition: DispositionCancelled}
	}
}

// PendingCount returns the number of unresolved requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) finish(id string, resp Response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- resp
	return true
}
