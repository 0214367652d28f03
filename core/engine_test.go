package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaeles-project/chromespider/core/chrome"
	"github.com/jaeles-project/chromespider/core/pool"
	"github.com/jaeles-project/chromespider/core/proxy"
	"github.com/jaeles-project/chromespider/internal/config"
)

type fakeSite struct {
	html      string
	requests  []string
	listeners []chrome.EventListener
	loadErr   error
	stalls    bool
}

// fakeTab renders pages from a fixed site map. Loading a page pushes its
// requests to the bound queue, the way the recording proxy would.
type fakeTab struct {
	id    string
	sites map[string]fakeSite

	mu         sync.Mutex
	queue      proxy.Queue
	did        string
	current    string
	dispatched []string
	stopped    int
	terminated bool
}

func (t *fakeTab) ID() string { return t.id }

func (t *fakeTab) SetTrafficQueue(q proxy.Queue) {
	t.mu.Lock()
	t.queue = q
	t.mu.Unlock()
}

func (t *fakeTab) SetDebuggingID(did string) {
	t.mu.Lock()
	t.did = did
	t.mu.Unlock()
}

func (t *fakeTab) Terminate() error {
	t.mu.Lock()
	t.terminated = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) LoadURL(_ context.Context, target string) error {
	site, ok := t.sites[target]
	if !ok {
		site = fakeSite{html: "<html><body>404</body></html>"}
	}
	if site.loadErr != nil {
		return site.loadErr
	}
	t.mu.Lock()
	t.current = target
	q, did := t.queue, t.did
	t.mu.Unlock()

	q.Put(&proxy.Traffic{
		Request:     &proxy.RecordedRequest{Method: "GET", URL: target},
		Response:    &proxy.RecordedResponse{StatusCode: 200, Body: []byte(site.html)},
		DebuggingID: did,
	})
	for _, r := range site.requests {
		q.Put(&proxy.Traffic{Request: &proxy.RecordedRequest{Method: "GET", URL: r}, DebuggingID: did})
	}
	return nil
}

func (t *fakeTab) site() fakeSite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sites[t.current]
}

func (t *fakeTab) FirstResponse() *proxy.Traffic { return nil }

func (t *fakeTab) URL(context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, nil
}

func (t *fakeTab) DOM(context.Context) (string, error) { return t.site().html, nil }

func (t *fakeTab) NavigationHistoryIndex(context.Context) (int, error) { return 1, nil }

func (t *fakeTab) EventListeners(context.Context, []string, []string) ([]chrome.EventListener, error) {
	return t.site().listeners, nil
}

func (t *fakeTab) DispatchJSEvent(_ context.Context, selector, eventType string) error {
	t.mu.Lock()
	t.dispatched = append(t.dispatched, eventType+" "+selector)
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) NavigationStarted(context.Context, time.Duration) bool { return false }

func (t *fakeTab) WaitForLoad(context.Context, time.Duration) bool { return !t.site().stalls }

func (t *fakeTab) StopLoading(context.Context) error {
	t.mu.Lock()
	t.stopped++
	t.mu.Unlock()
	return nil
}

func (t *fakeTab) NavigateToHistoryIndex(context.Context, int) error { return nil }

type harness struct {
	engine  *Engine
	pool    *pool.Pool[*fakeTab]
	out     *bytes.Buffer
	tabs    []*fakeTab
	tabsMu  sync.Mutex
	created int32
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T, cfg config.CrawlerConfig, sites map[string]fakeSite, factoryErr error) *harness {
	t.Helper()
	h := &harness{out: &bytes.Buffer{}}
	h.pool = pool.New(pool.Config{MaxSize: 2, MaxTasks: 100, GetTimeout: time.Second, Logger: quietLogger()},
		func(context.Context) (*fakeTab, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			n := atomic.AddInt32(&h.created, 1)
			tab := &fakeTab{id: fmt.Sprintf("tab-%d", n), sites: sites}
			h.tabsMu.Lock()
			h.tabs = append(h.tabs, tab)
			h.tabsMu.Unlock()
			return tab, nil
		})

	emitter := NewEmitter(h.out, nil, nil, false, true, false)
	e, err := NewEngine(cfg, PoolInstances(h.pool), emitter, quietLogger())
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) lines() []string {
	return strings.Split(strings.TrimSpace(h.out.String()), "\n")
}

func testConfig() config.CrawlerConfig {
	return config.CrawlerConfig{
		MaxDepth:         2,
		ParseRatio:       0.1,
		EventTypes:       []string{"click"},
		PageLoadTimeout:  time.Second,
		MaxInitialStates: 1,
	}
}

func TestEngineRendersSitesAndFollowsLinksInScope(t *testing.T) {
	sites := map[string]fakeSite{
		"http://example.com": {
			html:     `<html><body><a href="/about">about</a><a href="http://other.org/x">x</a><form action="/search"><input name="q" value="a"></form></body></html>`,
			requests: []string{"http://example.com/api/init"},
		},
		"http://example.com/about": {
			html:     `<html><body><a href="/deeper">deeper</a></body></html>`,
			requests: []string{"http://example.com/api/about"},
		},
	}
	h := newHarness(t, testConfig(), sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"example.com"}, 2))
	h.engine.Shutdown()

	out := h.lines()
	assert.Contains(t, out, "http://example.com/api/init")
	assert.Contains(t, out, "http://example.com/api/about")
	assert.Contains(t, out, "http://other.org/x", "out of scope links are reported, not rendered")
	assert.Contains(t, out, "http://example.com/search?q=a")
	assert.Contains(t, out, "http://example.com/deeper")

	// depth 2: the site, /about and the GET form; /deeper and other.org are not rendered.
	assert.EqualValues(t, 3, h.engine.Stats().GetPagesRendered())
	assert.Empty(t, h.engine.Failures())
	assert.Equal(t, pool.Stats{Max: 2, Created: int(h.created), Removed: int(h.created)}, h.pool.Stats())
}

func TestEngineEmitsEachRequestOnce(t *testing.T) {
	sites := map[string]fakeSite{
		"http://example.com": {
			html:     `<html><body><a href="/">home</a><a href="/#top">top</a></body></html>`,
			requests: []string{"http://example.com/api?b=2&a=1", "http://example.com/api?a=1&b=2"},
		},
	}
	h := newHarness(t, testConfig(), sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://example.com"}, 1))

	count := 0
	for _, l := range h.lines() {
		if strings.HasPrefix(l, "http://example.com/api") {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEngineDispatchesListeners(t *testing.T) {
	sites := map[string]fakeSite{
		"http://example.com": {
			html: `<html><body><div id="a">a</div></body></html>`,
			listeners: []chrome.EventListener{
				{Source: chrome.SourceJS, EventType: "click", Selector: "#a", TagName: "div"},
				{Source: chrome.SourceJS, EventType: "mouseover", Selector: "#a", TagName: "div"},
			},
		},
	}
	h := newHarness(t, testConfig(), sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://example.com"}, 1))

	require.Len(t, h.tabs, 1)
	assert.Equal(t, []string{"click #a"}, h.tabs[0].dispatched)
	assert.EqualValues(t, 1, h.engine.Stats().GetEventsDispatched())
}

func TestEngineRemovesInstanceOnNavigationFailure(t *testing.T) {
	loadErr := errors.New("net::ERR_PROXY_CONNECTION_FAILED")
	sites := map[string]fakeSite{
		"http://example.com": {loadErr: loadErr},
	}
	h := newHarness(t, testConfig(), sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://example.com"}, 1))

	failures := h.engine.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, PhaseNavigation, failures[0].Phase)
	assert.ErrorIs(t, failures[0], loadErr)
	assert.Equal(t, 1, h.pool.Stats().Removed)
	assert.True(t, h.tabs[0].terminated)
	assert.EqualValues(t, 1, h.engine.Stats().GetErrors())
}

func TestEngineStopsPagesThatNeverSettle(t *testing.T) {
	sites := map[string]fakeSite{
		"http://example.com":      {html: `<html><body><a href="/next">next</a></body></html>`, stalls: true},
		"http://example.com/next": {html: `<html><body>next</body></html>`},
	}
	h := newHarness(t, testConfig(), sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://example.com"}, 1))

	require.Len(t, h.tabs, 1)
	assert.Equal(t, 1, h.tabs[0].stopped)
	assert.EqualValues(t, 2, h.engine.Stats().GetPagesRendered())
	assert.Contains(t, h.lines(), "http://example.com/next")
	assert.Empty(t, h.engine.Failures())
}

func TestEngineStartupFailure(t *testing.T) {
	startErr := fmt.Errorf("%w: no chromium", chrome.ErrBrowserStartup)
	h := newHarness(t, testConfig(), nil, startErr)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://a.com", "http://b.com"}, 2))

	failures := h.engine.Failures()
	require.Len(t, failures, 2)
	for _, f := range failures {
		assert.Equal(t, PhaseStartup, f.Phase)
		assert.ErrorIs(t, f, chrome.ErrBrowserStartup)
	}
}

func TestEngineMaxPages(t *testing.T) {
	const html = `<html><body><a href="/p%d">next</a></body></html>`
	sites := map[string]fakeSite{}
	for i := 0; i < 10; i++ {
		sites[fmt.Sprintf("http://example.com/p%d", i)] = fakeSite{html: fmt.Sprintf(html, i+1)}
	}
	sites["http://example.com"] = fakeSite{html: fmt.Sprintf(html, 0)}

	cfg := testConfig()
	cfg.MaxDepth = 0
	cfg.MaxPages = 4
	h := newHarness(t, cfg, sites, nil)

	require.NoError(t, h.engine.Run(context.Background(), []string{"http://example.com"}, 2))
	assert.EqualValues(t, 4, h.engine.Stats().GetPagesRendered())
}

func TestEngineStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, testConfig(), map[string]fakeSite{}, nil)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, []string{"http://example.com"}, 2) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, h.engine.Failures())
}
