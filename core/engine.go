package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jaeles-project/chromespider/core/jscrawl"
	"github.com/jaeles-project/chromespider/core/pool"
	"github.com/jaeles-project/chromespider/core/proxy"
	"github.com/jaeles-project/chromespider/internal/config"
	"github.com/jaeles-project/chromespider/internal/registry"
)

// Page is a browser instance as the engine drives it.
type Page interface {
	jscrawl.Browser
	StopLoading(ctx context.Context) error
	FirstResponse() *proxy.Traffic
}

// Instances hands out pages. *pool.Pool satisfies it through PoolInstances.
type Instances interface {
	Get(ctx context.Context, queue proxy.Queue, did string) (Page, error)
	Free(p Page)
	Remove(p Page, reason string)
	Terminate()
}

type PageResource interface {
	pool.Resource
	Page
}

type poolInstances[R PageResource] struct {
	p *pool.Pool[R]
}

func PoolInstances[R PageResource](p *pool.Pool[R]) Instances {
	return poolInstances[R]{p: p}
}

func (pi poolInstances[R]) Get(ctx context.Context, queue proxy.Queue, did string) (Page, error) {
	r, err := pi.p.Get(ctx, queue, did)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (pi poolInstances[R]) Free(p Page) {
	if r, ok := p.(R); ok {
		pi.p.Free(r)
	}
}

func (pi poolInstances[R]) Remove(p Page, reason string) {
	if r, ok := p.(R); ok {
		pi.p.Remove(r, reason)
	}
}

func (pi poolInstances[R]) Terminate() {
	pi.p.Terminate()
}

// Phase is the step of a page task that failed.
type Phase string

const (
	PhaseStartup    Phase = "startup"
	PhaseNavigation Phase = "navigation"
	PhaseDispatch   Phase = "dispatch"
)

type TaskError struct {
	Phase Phase
	URL   string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s of %s: %v", e.Phase, e.URL, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Engine renders sites in pooled browsers, crawls their event listeners
// and emits every request the browsers make.
type Engine struct {
	cfg       config.CrawlerConfig
	instances Instances
	crawler   *jscrawl.Crawler
	parser    DocumentParser
	dedup     *DOMDeduper
	emitter   *Emitter
	stats     *CrawlStats
	log       *logrus.Entry
	startTime time.Time

	// queued holds every page ever scheduled, by canonical URL.
	queued *registry.URLRegistry

	mu       sync.Mutex
	pages    int
	failures []*TaskError
}

type task struct {
	input string
	url   string
	depth int
	scope *Scope
}

func NewEngine(cfg config.CrawlerConfig, instances Instances, emitter *Emitter, logger *logrus.Entry) (*Engine, error) {
	if logger == nil {
		logger = logrus.NewEntry(Logger)
	}
	e := &Engine{
		cfg:       cfg,
		instances: instances,
		parser:    DocumentParser{Ratio: cfg.ParseRatio},
		emitter:   emitter,
		stats:     NewCrawlStats(),
		log:       logger.WithField("component", "engine"),
		startTime: time.Now(),
		queued:    registry.NewURLRegistry(),
	}
	if cfg.DomDedup {
		e.dedup = NewDOMDeduper(cfg.DomDedupThresh)
	}

	crawler, err := jscrawl.New(jscrawl.Config{
		EventTypes:               cfg.EventTypes,
		EqualRatio:               cfg.EqualRatio,
		MaxDispatchErrors:        cfg.MaxDispatchErrors,
		WaitForLoadTimeout:       cfg.WaitForLoadTimeout,
		PageLoadTimeout:          cfg.PageLoadTimeout,
		NavigationStartedTimeout: cfg.NavigationStartedTimeout,
		MaxPageReload:            cfg.MaxPageReload,
		MaxInitialStates:         cfg.MaxInitialStates,
		MaxSimilarDispatch:       cfg.MaxSimilarDispatch,
		OnNavigation:             e.navigated,
		Logger:                   logger,
	}, nil)
	if err != nil {
		return nil, err
	}
	e.crawler = crawler
	return e, nil
}

func (e *Engine) Stats() *CrawlStats { return e.stats }

// Failures returns the task errors seen so far.
func (e *Engine) Failures() []*TaskError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*TaskError(nil), e.failures...)
}

// Run renders sites and the links found on them, threads at a time, until
// nothing is left or ctx is canceled.
func (e *Engine) Run(ctx context.Context, sites []string, threads int) error {
	if threads <= 0 {
		threads = 1
	}
	tasks := make(chan task)
	var pending sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	enqueue := func(t task) {
		if !e.admit(t.url) {
			return
		}
		pending.Add(1)
		go func() {
			select {
			case tasks <- t:
			case <-gctx.Done():
				pending.Done()
			}
		}()
	}

	for i := 0; i < threads; i++ {
		g.Go(func() error {
			for t := range tasks {
				e.process(gctx, t, enqueue)
				pending.Done()
			}
			return nil
		})
	}

	for _, site := range sites {
		t, err := e.siteTask(site)
		if err != nil {
			e.log.WithError(err).Errorf("skipping site %s", site)
			continue
		}
		enqueue(t)
	}
	// Every enqueue after this point comes from a running task, so pending
	// cannot reach zero early.
	go func() {
		pending.Wait()
		close(tasks)
	}()

	return g.Wait()
}

func (e *Engine) siteTask(site string) (task, error) {
	site = strings.TrimSpace(site)
	if !strings.Contains(site, "://") {
		site = "http://" + site
	}
	u, err := url.Parse(site)
	if err != nil {
		return task{}, err
	}
	if u.Host == "" {
		return task{}, fmt.Errorf("no host in %q", site)
	}
	scope, err := NewScope(u, e.cfg.Subs, e.cfg.Blacklist)
	if err != nil {
		return task{}, err
	}
	return task{input: site, url: u.String(), depth: 1, scope: scope}, nil
}

func (e *Engine) admit(u string) bool {
	if e.queued.Duplicate(u) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.MaxPages > 0 && e.pages >= e.cfg.MaxPages {
		return false
	}
	e.pages++
	return true
}

func (e *Engine) process(ctx context.Context, t task, enqueue func(task)) {
	if ctx.Err() != nil {
		return
	}
	did := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{"did": did, "url": t.url})

	queue := proxy.QueueFunc(func(tr *proxy.Traffic) {
		e.stats.IncrementRequestsCaptured()
		e.emit(TrafficOutput(t.input, tr))
	})
	page, err := e.instances.Get(ctx, queue, did)
	if err != nil {
		e.fail(ctx, &TaskError{Phase: PhaseStartup, URL: t.url, Err: err})
		return
	}

	if err := e.render(ctx, page, t, did, log, enqueue); err != nil {
		e.instances.Remove(page, pool.ReasonError)
		e.fail(ctx, err)
		return
	}
	e.instances.Free(page)
}

func (e *Engine) render(ctx context.Context, page Page, t task, did string, log *logrus.Entry, enqueue func(task)) error {
	log.Debugf("loading %s", t.url)
	if err := page.LoadURL(ctx, t.url); err != nil {
		return &TaskError{Phase: PhaseNavigation, URL: t.url, Err: err}
	}
	if !page.WaitForLoad(ctx, e.cfg.PageLoadTimeout) {
		log.Debugf("%s still loading after %s, stopping it and crawling anyway", t.url, e.cfg.PageLoadTimeout)
		if err := page.StopLoading(ctx); err != nil {
			log.WithError(err).Debug("stop loading")
		}
	}
	e.stats.IncrementPagesRendered()

	dom, err := page.DOM(ctx)
	if err != nil {
		return &TaskError{Phase: PhaseNavigation, URL: t.url, Err: fmt.Errorf("read dom: %w", err)}
	}
	doc, err := e.parser.Select(dom, page.FirstResponse())
	if err != nil {
		log.WithError(err).Warn("unparsable document")
	} else {
		e.discovered(t, e.parser.Parse(t.url, doc), doc.Rendered, enqueue)
		if e.duplicateDOM(t.url, dom, doc) {
			log.Debugf("dom of %s looks like one already crawled, skipping events", t.url)
			return nil
		}
	}

	res, err := e.crawler.Crawl(ctx, page, did)
	if res != nil {
		e.stats.AddEventsDispatched(res.Dispatched)
	}
	if err != nil {
		return &TaskError{Phase: PhaseDispatch, URL: t.url, Err: err}
	}
	log.Infof("%s: %d events dispatched, %d navigations (%s)", t.url, res.Dispatched, res.Navigations, res.Stop)
	return nil
}

func (e *Engine) duplicateDOM(pageURL, dom string, doc Document) bool {
	if e.dedup == nil {
		return false
	}
	rendered := doc.Doc
	if !doc.Rendered {
		d, err := goquery.NewDocumentFromReader(strings.NewReader(dom))
		if err != nil {
			return false
		}
		rendered = d
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	return e.dedup.Seen(u.Host, rendered)
}

func (e *Engine) discovered(t task, res ParseResult, rendered bool, enqueue func(task)) {
	source := "body"
	if rendered {
		source = "dom"
	}
	follow := e.cfg.MaxDepth <= 0 || t.depth < e.cfg.MaxDepth
	next := func(u string) {
		if follow && t.scope.Allowed(u) {
			enqueue(task{input: t.input, url: u, depth: t.depth + 1, scope: t.scope})
		}
	}

	for _, link := range res.Links {
		if e.emit(SpiderOutput{Input: t.input, Source: source, OutputType: "href", Method: "GET", Output: link}) {
			e.stats.AddURLsFound(1)
		}
		next(link)
	}
	for _, form := range res.Forms {
		if e.emit(SpiderOutput{Input: t.input, Source: source, OutputType: "form", Method: form.Method, Output: form.URL, Body: form.Body}) {
			e.stats.AddURLsFound(1)
		}
		if form.Method == "GET" {
			next(form.URL)
		}
	}
}

func (e *Engine) navigated(u string) {
	e.stats.IncrementNavigations()
	if e.emit(SpiderOutput{Source: "event", OutputType: "navigation", Method: "GET", Output: u}) {
		e.stats.AddURLsFound(1)
	}
}

func (e *Engine) emit(o SpiderOutput) bool {
	if e.emitter == nil {
		return false
	}
	isNew, err := e.emitter.Emit(o)
	if err != nil {
		e.log.WithError(err).Warnf("failed to write %s", o.Output)
	}
	return isNew
}

func (e *Engine) fail(ctx context.Context, err error) {
	var te *TaskError
	if !errors.As(err, &te) {
		te = &TaskError{Phase: PhaseDispatch, Err: err}
	}
	if ctx.Err() != nil {
		e.log.WithError(err).Debug("task interrupted")
		return
	}
	e.stats.IncrementErrors()
	e.mu.Lock()
	e.failures = append(e.failures, te)
	e.mu.Unlock()

	if te.Phase == PhaseStartup {
		e.log.WithError(te.Err).Errorf("no browser for %s", te.URL)
		return
	}
	e.log.WithError(te.Err).Warnf("%s of %s failed", te.Phase, te.URL)
}

// Shutdown terminates the instances and logs final statistics.
func (e *Engine) Shutdown() {
	e.instances.Terminate()

	elapsed := time.Since(e.startTime)
	e.log.Info("Crawling finished.")
	e.log.Infof("Time elapsed: %s", elapsed.Round(time.Millisecond))
	e.log.Infof("Pages rendered: %d", e.stats.GetPagesRendered())
	e.log.Infof("Requests captured: %d (%.2f/s)", e.stats.GetRequestsCaptured(), e.stats.GetRPS(elapsed))
	e.log.Infof("Events dispatched: %d", e.stats.GetEventsDispatched())
	e.log.Infof("Navigations: %d", e.stats.GetNavigations())
	e.log.Infof("URLs found: %d", e.stats.GetURLsFound())
	e.log.Infof("Errors: %d", e.stats.GetErrors())
}
