// Package jscrawl crawls a loaded page by dispatching the DOM events it
// listens for, returning to the page whenever a dispatch navigates away.
package jscrawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaeles-project/chromespider/core/chrome"
	"github.com/jaeles-project/chromespider/core/devtools"
)

// Browser is what the crawl needs from a browser instance.
type Browser interface {
	URL(ctx context.Context) (string, error)
	DOM(ctx context.Context) (string, error)
	NavigationHistoryIndex(ctx context.Context) (int, error)
	EventListeners(ctx context.Context, eventFilter, tagFilter []string) ([]chrome.EventListener, error)
	DispatchJSEvent(ctx context.Context, selector, eventType string) error
	NavigationStarted(ctx context.Context, timeout time.Duration) bool
	WaitForLoad(ctx context.Context, timeout time.Duration) bool
	NavigateToHistoryIndex(ctx context.Context, entryID int) error
	LoadURL(ctx context.Context, target string) error
}

// StopReason tells why a run ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopStateDiverged StopReason = "state-diverged"
	StopErrorBudget   StopReason = "error-budget"
	StopMaxReloads    StopReason = "max-reloads"
	StopCanceled      StopReason = "canceled"
)

// Result summarizes one run over a page.
type Result struct {
	URL         string     `json:"url"`
	Dispatched  int        `json:"dispatched"`
	Failed      int        `json:"failed"`
	Ignored     int        `json:"ignored"`
	Navigations int        `json:"navigations"`
	Passes      int        `json:"passes"`
	Stop        StopReason `json:"stop"`
}

// Crawler runs the event crawl. One Crawler serves every worker of a
// session; each Crawl call keeps its own state.
type Crawler struct {
	cfg   Config
	log   *DispatchLog
	bones *bonesCache
}

// New returns a crawler recording into log. A nil log gets a private one.
func New(cfg Config, log *DispatchLog) (*Crawler, error) {
	cfg.applyDefaults()
	if log == nil {
		log = NewDispatchLog(0)
	}
	bones, err := newBonesCache(cfg.BonesCacheSize)
	if err != nil {
		return nil, err
	}
	return &Crawler{cfg: cfg, log: log, bones: bones}, nil
}

func (c *Crawler) DispatchLog() *DispatchLog {
	return c.log
}

type outcome int

const (
	pending outcome = iota
	succeeded
	failed
)

type run struct {
	c      *Crawler
	b      Browser
	logger *logrus.Entry
	res    *Result

	historyIndex int
	initial      []string
	visited      map[string]struct{}
	outcomes     map[chrome.ListenerKey]outcome
	allowed      map[string]struct{}
	reloads      int
}

// Crawl dispatches the listeners of the page b has loaded. Dispatch
// problems are absorbed and counted; an error is returned only when the
// browser itself stops answering.
func (c *Crawler) Crawl(ctx context.Context, b Browser, did string) (*Result, error) {
	pageURL, err := b.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page url: %w", err)
	}
	r := &run{
		c:        c,
		b:        b,
		logger:   c.cfg.Logger.WithFields(logrus.Fields{"component": "jscrawl", "did": did}),
		res:      &Result{URL: pageURL},
		visited:  map[string]struct{}{pageURL: {}},
		outcomes: make(map[chrome.ListenerKey]outcome),
		allowed:  make(map[string]struct{}),
	}
	for _, t := range c.cfg.EventTypes {
		r.allowed[t] = struct{}{}
	}

	stop, err := r.passes(ctx)
	if err != nil && ctx.Err() != nil {
		stop, err = StopCanceled, nil
	}
	if err != nil {
		return r.res, err
	}
	r.res.Stop = stop
	r.logger.Debugf("js crawl of %s finished (%s): %d dispatched, %d failed, %d ignored, %d navigations",
		pageURL, stop, r.res.Dispatched, r.res.Failed, r.res.Ignored, r.res.Navigations)
	return r.res, nil
}

func (r *run) passes(ctx context.Context) (StopReason, error) {
	cfg := r.c.cfg
	for pass := 0; pass < cfg.MaxInitialStates; pass++ {
		r.res.Passes++
		stop, err := r.pass(ctx)
		if err != nil || stop != "" {
			return stop, err
		}
		if !r.hasFailures() {
			break
		}
		r.logger.Debugf("%d listeners failed on %s, starting pass %d", r.res.Failed, r.res.URL, pass+2)
	}

	// The last handler may still be sending requests.
	r.b.WaitForLoad(ctx, cfg.SettleTimeout)
	r.b.NavigationStarted(ctx, cfg.SettleTimeout)
	return StopCompleted, nil
}

// pass reads the listeners of the current page and dispatches them. An
// empty stop reason means every listener was handled.
func (r *run) pass(ctx context.Context) (StopReason, error) {
	idx, err := r.b.NavigationHistoryIndex(ctx)
	if err != nil {
		return "", fmt.Errorf("read history index: %w", err)
	}
	r.historyIndex = idx

	dom, err := r.b.DOM(ctx)
	if err != nil {
		return "", fmt.Errorf("read initial dom: %w", err)
	}
	r.initial = r.c.bones.get(dom)

	listeners, err := r.b.EventListeners(ctx, r.c.cfg.EventTypes, nil)
	if err != nil {
		return "", fmt.Errorf("enumerate listeners: %w", err)
	}

	for i, l := range listeners {
		if ctx.Err() != nil {
			return StopCanceled, nil
		}
		if !r.shouldDispatch(l) {
			continue
		}
		r.logger.Debugf("listener %d/%d on %s: %d dispatched, %d failed so far",
			i+1, len(listeners), r.res.URL, r.res.Dispatched, r.res.Failed)

		if err := r.dispatch(ctx, l); err != nil {
			return "", err
		}
		stop, err := r.sideEffects(ctx)
		if err != nil || stop != "" {
			return stop, err
		}
	}
	return "", nil
}

func (r *run) shouldDispatch(l chrome.EventListener) bool {
	if _, ok := r.allowed[l.EventType]; !ok {
		r.ignore(l, "event type not allowed")
		return false
	}
	switch r.outcomes[l.Key()] {
	case succeeded:
		return false
	case failed:
		// Failed listeners are retried on later passes.
		return true
	}
	if r.c.log.Covered(l, r.res.URL, r.c.cfg.MaxSimilarDispatch) {
		r.ignore(l, "same or similar listener already dispatched")
		return false
	}
	return true
}

func (r *run) ignore(l chrome.EventListener, why string) {
	r.res.Ignored++
	r.c.log.Append(DispatchRecord{Listener: l, State: DispatchIgnored, URL: r.res.URL})
	r.logger.Debugf("ignoring %s on %s: %s", l.EventType, l.Selector, why)
}

func (r *run) dispatch(ctx context.Context, l chrome.EventListener) error {
	err := r.b.DispatchJSEvent(ctx, l.Selector, l.EventType)
	switch {
	case err == nil:
		r.outcomes[l.Key()] = succeeded
		r.res.Dispatched++
		r.c.log.Append(DispatchRecord{Listener: l, State: DispatchSucceeded, URL: r.res.URL})
		return nil
	case errors.Is(err, chrome.ErrEventDispatchTimeout),
		errors.Is(err, chrome.ErrEventDispatchFailed),
		errors.Is(err, chrome.ErrInvalidEventType):
		r.outcomes[l.Key()] = failed
		r.res.Failed++
		r.c.log.Append(DispatchRecord{Listener: l, State: DispatchFailed, URL: r.res.URL})
		r.logger.WithError(err).Debugf("%s on %s failed", l.EventType, l.Selector)
		return nil
	}
	return fmt.Errorf("dispatch %s on %s: %w", l.EventType, l.Selector, err)
}

// sideEffects runs after every dispatch, failed ones included: a handler
// that navigates destroys the execution context the dispatch ran in.
func (r *run) sideEffects(ctx context.Context) (StopReason, error) {
	cfg := r.c.cfg
	if r.b.NavigationStarted(ctx, cfg.NavigationStartedTimeout) {
		r.res.Navigations++
		if err := r.followNavigation(ctx); err != nil {
			return "", err
		}
		if r.reloads >= cfg.MaxPageReload {
			r.logger.Debugf("more than %d history navigations on %s, stopping", cfg.MaxPageReload, r.res.URL)
			return StopMaxReloads, nil
		}
		restored, err := r.restore(ctx)
		if err != nil {
			return "", err
		}
		if !restored {
			return StopStateDiverged, nil
		}

		dom, err := r.b.DOM(ctx)
		if err != nil {
			return "", fmt.Errorf("read restored dom: %w", err)
		}
		if !Similar(r.initial, r.c.bones.get(dom), cfg.EqualRatio) {
			r.logger.Debugf("dom of %s changed after going back, the application state diverged", r.res.URL)
			return StopStateDiverged, nil
		}
	}

	if r.res.Failed >= cfg.MaxDispatchErrors {
		r.logger.Debugf("%d dispatch errors on %s, stopping", r.res.Failed, r.res.URL)
		return StopErrorBudget, nil
	}
	return "", nil
}

// followNavigation lets a page the crawl has not seen yet load, so the
// requests it makes are captured. Known pages are left immediately.
func (r *run) followNavigation(ctx context.Context) error {
	u, err := r.b.URL(ctx)
	if err != nil {
		return fmt.Errorf("read navigated url: %w", err)
	}
	if u != "" {
		if _, seen := r.visited[u]; seen {
			return nil
		}
	}
	r.b.WaitForLoad(ctx, r.c.cfg.WaitForLoadTimeout)
	if u == "" {
		if u, err = r.b.URL(ctx); err != nil {
			return fmt.Errorf("read navigated url: %w", err)
		}
	}
	r.visited[u] = struct{}{}
	r.logger.Debugf("dispatch on %s navigated to %s", r.res.URL, u)
	if r.c.cfg.OnNavigation != nil && u != "" {
		r.c.cfg.OnNavigation(u)
	}
	return nil
}

// restore goes back to the history entry the pass started from. When that
// entry is gone (location.replace gives the page a fresh one) the page URL
// is loaded again instead. ok is false when the page could not be brought
// back at all.
func (r *run) restore(ctx context.Context) (ok bool, err error) {
	r.reloads++
	err = r.b.NavigateToHistoryIndex(ctx, r.historyIndex)
	if err == nil {
		if !r.b.WaitForLoad(ctx, r.c.cfg.PageLoadTimeout) {
			r.logger.Debugf("%s did not settle after going back", r.res.URL)
		}
		return true, nil
	}
	if fatal(ctx, err) {
		return false, fmt.Errorf("return to history entry %d: %w", r.historyIndex, err)
	}
	r.logger.WithError(err).Debugf("history entry %d is gone, reloading %s", r.historyIndex, r.res.URL)

	if err = r.b.LoadURL(ctx, r.res.URL); err != nil {
		if fatal(ctx, err) {
			return false, fmt.Errorf("reload %s: %w", r.res.URL, err)
		}
		r.logger.WithError(err).Debugf("reloading %s failed", r.res.URL)
		return false, nil
	}
	if !r.b.WaitForLoad(ctx, r.c.cfg.PageLoadTimeout) {
		r.logger.Debugf("%s did not settle after reloading", r.res.URL)
	}
	idx, err := r.b.NavigationHistoryIndex(ctx)
	if err != nil {
		return false, fmt.Errorf("read history index: %w", err)
	}
	r.historyIndex = idx
	return true, nil
}

// fatal tells errors that end the whole run from those of one listener.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, devtools.ErrConnectionLost)
}

func (r *run) hasFailures() bool {
	for _, o := range r.outcomes {
		if o == failed {
			return true
		}
	}
	return false
}
