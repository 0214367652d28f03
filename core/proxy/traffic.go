// Package proxy is the local recording proxy each browser process is bound
// to. Every request/response pair it forwards is pushed to a Queue.
package proxy

import (
	"net/http"
	"time"
)

// RecordedRequest is the request as it was sent upstream.
type RecordedRequest struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// RecordedResponse is the response as it was received from upstream.
type RecordedResponse struct {
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// IsRedirect reports a 3xx status.
func (r *RecordedResponse) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// Traffic is one forwarded HTTP transaction.
type Traffic struct {
	Request     *RecordedRequest  `json:"request"`
	Response    *RecordedResponse `json:"response"`
	DebuggingID string            `json:"debugging_id,omitempty"`
	Time        time.Time         `json:"time"`
}

// Queue receives captured traffic. Put must not block for long: it runs on
// the proxy's request goroutine.
type Queue interface {
	Put(t *Traffic)
}

// QueueFunc adapts a function to Queue.
type QueueFunc func(t *Traffic)

func (f QueueFunc) Put(t *Traffic) { f(t) }

type discard struct{}

func (discard) Put(*Traffic) {}

// Discard drops everything. Idle browsers are bound to it.
var Discard Queue = discard{}

// ChannelQueue buffers traffic in a channel, dropping entries when full.
type ChannelQueue struct {
	C       chan *Traffic
	dropped func(t *Traffic)
}

func NewChannelQueue(size int, dropped func(t *Traffic)) *ChannelQueue {
	return &ChannelQueue{C: make(chan *Traffic, size), dropped: dropped}
}

func (q *ChannelQueue) Put(t *Traffic) {
	select {
	case q.C <- t:
	default:
		if q.dropped != nil {
			q.dropped(t)
		}
	}
}
