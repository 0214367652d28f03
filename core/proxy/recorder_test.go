package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	traffic []*Traffic
}

func (c *collector) Put(t *Traffic) {
	c.mu.Lock()
	c.traffic = append(c.traffic, t)
	c.mu.Unlock()
}

func (c *collector) all() []*Traffic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Traffic(nil), c.traffic...)
}

func startRecorder(t *testing.T) (*Recorder, *http.Client) {
	t.Helper()
	rec, err := Start(Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	proxyURL, err := url.Parse("http://" + rec.Addr())
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
	return rec, client
}

func TestRecorderForwardsAndRecords(t *testing.T) {
	headers := make(chan http.Header, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		w.Header().Set("X-Kept", "yes")
		_, _ = w.Write([]byte("echo:" + string(body)))
	}))
	defer origin.Close()

	rec, client := startRecorder(t)
	queue := &collector{}
	rec.SetTrafficQueue(queue)
	rec.SetDebuggingID("did-1")

	req, err := http.NewRequest(http.MethodPost, origin.URL+"/server", strings.NewReader("foo=bar&lorem=ipsum"))
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0 HeadlessChrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "echo:foo=bar&lorem=ipsum", string(body))
	assert.Empty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
	assert.Equal(t, "yes", resp.Header.Get("X-Kept"))

	seen := <-headers
	assert.Equal(t, "Mozilla/5.0 Chrome/120.0.0.0 Safari/537.36", seen.Get("User-Agent"))
	assert.Equal(t, acceptLanguage, seen.Get("Accept-Language"))
	assert.Equal(t, "identity", seen.Get("Accept-Encoding"))

	traffic := queue.all()
	require.Len(t, traffic, 1)
	assert.Equal(t, http.MethodPost, traffic[0].Request.Method)
	assert.Equal(t, origin.URL+"/server", traffic[0].Request.URL)
	assert.Equal(t, "foo=bar&lorem=ipsum", string(traffic[0].Request.Body))
	assert.Equal(t, http.StatusOK, traffic[0].Response.StatusCode)
	assert.Equal(t, "did-1", traffic[0].DebuggingID)
}

func TestRecorderTracksFirstNonRedirect(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("home"))
	}))
	defer origin.Close()

	rec, client := startRecorder(t)
	queue := &collector{}
	rec.SetTrafficQueue(queue)

	resp, err := client.Get(origin.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, queue.all(), 2)
	first := rec.First()
	require.NotNil(t, first)
	assert.Equal(t, origin.URL+"/home", first.Request.URL)
	assert.Equal(t, "home", string(first.Response.Body))

	rec.ResetFirst()
	assert.Nil(t, rec.First())
}

func TestRecorderUnboundQueueDiscards(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	rec, client := startRecorder(t)
	queue := &collector{}
	rec.SetTrafficQueue(queue)
	rec.SetTrafficQueue(nil)

	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, queue.all())
}

func TestRecorderRejectsOriginFormRequests(t *testing.T) {
	rec, _ := startRecorder(t)
	resp, err := http.Get("http://" + rec.Addr() + "/not-a-proxy-request")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	rec, err := Start(Options{})
	require.NoError(t, err)
	assert.NoError(t, rec.Close())
	assert.NoError(t, rec.Close())
}

func TestChannelQueueDropsWhenFull(t *testing.T) {
	var dropped int
	q := NewChannelQueue(1, func(*Traffic) { dropped++ })
	q.Put(&Traffic{})
	q.Put(&Traffic{})
	assert.Len(t, q.C, 1)
	assert.Equal(t, 1, dropped)
}

type flakyTransport struct {
	failures int
	calls    int
	bodies   []string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
}

func TestRetryRoundTripperRetriesIdempotentRequests(t *testing.T) {
	base := &flakyTransport{failures: 2}
	rt := newRetryRoundTripper(base, &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond})

	req := httptest.NewRequest(http.MethodPut, "http://example.com/", strings.NewReader("payload"))
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, base.calls)
	assert.Equal(t, []string{"payload", "payload", "payload"}, base.bodies)
}

func TestRetryRoundTripperLeavesPostAlone(t *testing.T) {
	base := &flakyTransport{failures: 1}
	rt := newRetryRoundTripper(base, &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("x"))
	_, err := rt.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 1, base.calls)
}

func TestRetryDelayIsCapped(t *testing.T) {
	rt := &retryRoundTripper{cfg: &RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, BackoffFactor: 2}}
	assert.Equal(t, time.Second, rt.delay(0))
	assert.Equal(t, 2*time.Second, rt.delay(1))
	assert.Equal(t, 3*time.Second, rt.delay(5))
}
