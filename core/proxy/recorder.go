package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 10 << 20
)

type Options struct {
	// Upstream is an optional proxy all traffic is chained through.
	Upstream *url.URL
	// Timeout bounds dialing and waiting for response headers.
	Timeout time.Duration
	// MaxBodySize caps how much of each body is recorded. Forwarding is
	// never truncated.
	MaxBodySize int64
	Retry       *RetryConfig
	Logger      *logrus.Entry
}

// Recorder is an HTTP forward proxy on the loopback interface that records
// every transaction it relays.
type Recorder struct {
	ln        net.Listener
	srv       *http.Server
	transport http.RoundTripper
	dialer    *net.Dialer
	maxBody   int64
	log       *logrus.Entry

	mu    sync.RWMutex
	queue Queue
	did   string
	first *Traffic

	closeOnce sync.Once
	closeErr  error
}

// Start listens on 127.0.0.1 with an ephemeral port and starts serving.
func Start(opts Options) (*Recorder, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("proxy listen: %w", err)
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		DisableCompression:    true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
	}
	if opts.Upstream != nil {
		transport.Proxy = http.ProxyURL(opts.Upstream)
	}

	r := &Recorder{
		ln:        ln,
		transport: newRetryRoundTripper(transport, opts.Retry),
		dialer:    dialer,
		maxBody:   opts.MaxBodySize,
		log:       log.WithField("component", "proxy"),
		queue:     Discard,
	}
	r.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: opts.Timeout,
	}
	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.WithError(err).Warn("proxy stopped serving")
		}
	}()
	return r, nil
}

// Addr is the host:port the browser should use as its proxy.
func (r *Recorder) Addr() string {
	return r.ln.Addr().String()
}

// SetTrafficQueue binds the queue captured traffic goes to. nil means Discard.
func (r *Recorder) SetTrafficQueue(q Queue) {
	if q == nil {
		q = Discard
	}
	r.mu.Lock()
	r.queue = q
	r.mu.Unlock()
}

// SetDebuggingID tags subsequent traffic.
func (r *Recorder) SetDebuggingID(did string) {
	r.mu.Lock()
	r.did = did
	r.mu.Unlock()
}

// First returns the first non-redirect transaction since the last ResetFirst.
func (r *Recorder) First() *Traffic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.first
}

func (r *Recorder) ResetFirst() {
	r.mu.Lock()
	r.first = nil
	r.mu.Unlock()
}

// Close stops the listener and drops idle upstream connections.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.closeErr = r.srv.Shutdown(ctx)
		if errors.Is(r.closeErr, context.DeadlineExceeded) {
			r.closeErr = r.srv.Close()
		}
		if t, ok := r.transport.(*retryRoundTripper); ok {
			if base, ok := t.base.(*http.Transport); ok {
				base.CloseIdleConnections()
			}
		}
	})
	return r.closeErr
}

func (r *Recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		r.tunnel(w, req)
		return
	}
	if !req.URL.IsAbs() {
		http.Error(w, "this is a proxy, send absolute URLs", http.StatusBadRequest)
		return
	}

	reqBody, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, req.URL.String(), bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	copyHeader(out.Header, req.Header)
	removeHopHeaders(out.Header)
	mangleRequest(out.Header)
	out.ContentLength = int64(len(reqBody))
	if len(reqBody) == 0 {
		out.Body = http.NoBody
	}

	resp, err := r.transport.RoundTrip(out)
	if err != nil {
		r.log.WithError(err).Debugf("upstream %s %s failed", req.Method, req.URL)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	mangleResponse(resp.Header)

	recorded, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		r.log.WithError(err).Debugf("reading body of %s", req.URL)
	}

	// Recorded before the browser sees the response, so anything reacting
	// to the page already finds the pair in the queue.
	r.record(&Traffic{
		Request: &RecordedRequest{
			Method: out.Method,
			URL:    out.URL.String(),
			Header: out.Header.Clone(),
			Body:   reqBody,
		},
		Response: &RecordedResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       recorded,
		},
		Time: time.Now(),
	})

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(recorded)
	if int64(len(recorded)) == r.maxBody {
		_, _ = io.Copy(w, resp.Body)
	}
}

func (r *Recorder) record(t *Traffic) {
	r.mu.Lock()
	t.DebuggingID = r.did
	if r.first == nil && !t.Response.IsRedirect() {
		r.first = t
	}
	q := r.queue
	r.mu.Unlock()
	q.Put(t)
}

// tunnel relays CONNECT requests without looking at them.
func (r *Recorder) tunnel(w http.ResponseWriter, req *http.Request) {
	upstream, err := r.dialer.DialContext(req.Context(), "tcp", req.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if buf != nil && buf.Reader.Buffered() > 0 {
		pending, _ := buf.Reader.Peek(buf.Reader.Buffered())
		_, _ = upstream.Write(pending)
	}

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tcp, ok := dst.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}
	go pipe(upstream, client)
	go pipe(client, upstream)
	<-done
	<-done
	client.Close()
	upstream.Close()
}
