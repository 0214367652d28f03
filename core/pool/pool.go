// Package pool keeps a bounded set of browser instances that crawl workers
// borrow one at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jaeles-project/chromespider/core/proxy"
)

var (
	// ErrPoolExhausted means no instance became available within GetTimeout.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolClosed is returned once Terminate has been called.
	ErrPoolClosed = errors.New("pool closed")
)

// Removal reasons, also used as metric labels.
const (
	ReasonMaxTasks = "max-tasks"
	ReasonExcess   = "excess"
	ReasonError    = "error"
	ReasonShutdown = "shutdown"
)

// Resource is what the pool manages. *chrome.Browser satisfies it.
type Resource interface {
	ID() string
	SetTrafficQueue(q proxy.Queue)
	SetDebuggingID(did string)
	Terminate() error
}

// MemoryReporter is optionally implemented by resources so the stats log
// can show their footprint.
type MemoryReporter interface {
	MemoryUsage() (uint64, error)
}

// Factory creates a new resource.
type Factory[R Resource] func(ctx context.Context) (R, error)

type Config struct {
	MaxSize int
	MinSize int
	// MaxTasks is how many tasks an instance serves before it is recycled.
	MaxTasks   int
	GetTimeout time.Duration
	// LogEvery logs pool statistics every N acquisitions. Zero disables it.
	LogEvery int
	Logger   *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		MaxSize:    2,
		MinSize:    0,
		MaxTasks:   20,
		GetTimeout: 30 * time.Second,
		LogEvery:   10,
	}
}

// Stats is a point in time view of the pool.
type Stats struct {
	Free     int
	InUse    int
	Max      int
	Created  int
	Recycled int
	Removed  int
}

type entry[R Resource] struct {
	res       R
	tasks     int
	busySince time.Time
}

// Pool is a bounded resource pool. Capacity is a weighted semaphore: every
// in-use instance, and every instance being created, holds one permit, so
// free+in-use never exceeds MaxSize.
type Pool[R Resource] struct {
	cfg     Config
	factory Factory[R]
	sem     *semaphore.Weighted
	log     *logrus.Entry

	mu     sync.Mutex
	free   []*entry[R]
	inUse  map[string]*entry[R]
	closed bool
	gets   int

	created  int
	recycled int
	removed  int
}

func New[R Resource](cfg Config, factory Factory[R]) *Pool[R] {
	d := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = d.GetTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool[R]{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
		log:     cfg.Logger.WithField("component", "pool"),
		inUse:   make(map[string]*entry[R]),
	}
}

// Get returns a free instance, or creates one when there is spare capacity.
// When the pool is full it waits up to GetTimeout for an instance to be
// freed. The instance's traffic is bound to queue and tagged with did.
func (p *Pool[R]) Get(ctx context.Context, queue proxy.Queue, did string) (R, error) {
	var zero R
	if p.isClosed() {
		return zero, ErrPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.GetTimeout)
	defer cancel()
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w: no instance within %s", ErrPoolExhausted, p.cfg.GetTimeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, ErrPoolClosed
	}
	excess := p.trimLocked()
	e := p.popFreeLocked()
	if e != nil {
		e.busySince = time.Now()
		p.inUse[e.res.ID()] = e
	}
	p.gets++
	logNow := p.cfg.LogEvery > 0 && p.gets%p.cfg.LogEvery == 0
	p.syncMetricsLocked()
	p.mu.Unlock()

	for _, x := range excess {
		p.terminate(x, ReasonExcess)
	}

	if e == nil {
		res, err := p.factory(ctx)
		if err != nil {
			p.sem.Release(1)
			return zero, err
		}
		e = &entry[R]{res: res, busySince: time.Now()}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.terminate(e, ReasonShutdown)
			p.sem.Release(1)
			return zero, ErrPoolClosed
		}
		p.inUse[res.ID()] = e
		p.created++
		p.syncMetricsLocked()
		p.mu.Unlock()

		metricCreated.Inc()
		p.log.Debugf("created instance %s", short(res.ID()))
	}

	e.res.SetTrafficQueue(queue)
	e.res.SetDebuggingID(did)
	if logNow {
		p.logStats()
	}
	return e.res, nil
}

// Free returns res to the pool. Its traffic is unbound and its task counter
// incremented; an instance that has served more than MaxTasks tasks is
// terminated instead.
func (p *Pool[R]) Free(res R) {
	p.mu.Lock()
	e, ok := p.inUse[res.ID()]
	if !ok {
		p.mu.Unlock()
		p.log.Debugf("free of unknown instance %s ignored", short(res.ID()))
		return
	}
	delete(p.inUse, res.ID())
	e.tasks++
	var reason string
	switch {
	case p.closed:
		reason = ReasonShutdown
	case p.cfg.MaxTasks > 0 && e.tasks > p.cfg.MaxTasks:
		reason = ReasonMaxTasks
		p.recycled++
	default:
		e.res.SetTrafficQueue(proxy.Discard)
		p.free = append(p.free, e)
	}
	p.syncMetricsLocked()
	p.mu.Unlock()

	if reason != "" {
		p.terminate(e, reason)
	}
	p.sem.Release(1)
}

// Remove drops res from the pool and terminates it. Removing an instance
// that is not in the pool does nothing.
func (p *Pool[R]) Remove(res R, reason string) {
	p.mu.Lock()
	e, held := p.inUse[res.ID()]
	if held {
		delete(p.inUse, res.ID())
	} else {
		e = p.takeFreeLocked(res.ID())
	}
	p.syncMetricsLocked()
	p.mu.Unlock()

	if e == nil {
		return
	}
	p.terminate(e, reason)
	if held {
		p.sem.Release(1)
	}
}

// Warm creates instances until MinSize are alive.
func (p *Pool[R]) Warm(ctx context.Context) error {
	for {
		p.mu.Lock()
		live := len(p.free) + len(p.inUse)
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		if live >= p.cfg.MinSize {
			return nil
		}
		if !p.sem.TryAcquire(1) {
			return nil
		}
		res, err := p.factory(ctx)
		if err != nil {
			p.sem.Release(1)
			return err
		}
		p.mu.Lock()
		p.free = append(p.free, &entry[R]{res: res})
		p.created++
		p.syncMetricsLocked()
		p.mu.Unlock()
		metricCreated.Inc()
		p.sem.Release(1)
	}
}

func (p *Pool[R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Terminate removes every instance, busy ones included, and makes further
// Get calls fail with ErrPoolClosed.
func (p *Pool[R]) Terminate() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := p.free
	for _, e := range p.inUse {
		all = append(all, e)
	}
	p.free = nil
	p.inUse = make(map[string]*entry[R])
	p.syncMetricsLocked()
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *entry[R]) {
			defer wg.Done()
			p.terminate(e, ReasonShutdown)
		}(e)
	}
	wg.Wait()
	p.log.Debugf("pool terminated, %d instances removed", len(all))
}

func (p *Pool[R]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// trimLocked detaches free instances beyond capacity. They are terminated
// by the caller outside the lock.
func (p *Pool[R]) trimLocked() []*entry[R] {
	var excess []*entry[R]
	for len(p.free) > 0 && len(p.free)+len(p.inUse) > p.cfg.MaxSize {
		excess = append(excess, p.free[0])
		p.free = p.free[1:]
	}
	return excess
}

func (p *Pool[R]) popFreeLocked() *entry[R] {
	if len(p.free) == 0 {
		return nil
	}
	e := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return e
}

func (p *Pool[R]) takeFreeLocked(id string) *entry[R] {
	for i, e := range p.free {
		if e.res.ID() == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return e
		}
	}
	return nil
}

// terminate never fails: the instance is out of the pool either way.
func (p *Pool[R]) terminate(e *entry[R], reason string) {
	log := p.log.WithFields(logrus.Fields{"instance": short(e.res.ID()), "reason": reason})
	if err := e.res.Terminate(); err != nil {
		log.WithError(err).Warn("instance terminated with errors")
	} else {
		log.Debug("instance terminated")
	}
	metricRemoved.WithLabelValues(reason).Inc()
	p.mu.Lock()
	p.removed++
	p.mu.Unlock()
}

func (p *Pool[R]) statsLocked() Stats {
	return Stats{
		Free:     len(p.free),
		InUse:    len(p.inUse),
		Max:      p.cfg.MaxSize,
		Created:  p.created,
		Recycled: p.recycled,
		Removed:  p.removed,
	}
}

type held struct {
	id    string
	since time.Duration
}

func (p *Pool[R]) logStats() {
	p.mu.Lock()
	stats := p.statsLocked()
	var resources []R
	var busy []held
	now := time.Now()
	for _, e := range p.free {
		resources = append(resources, e.res)
	}
	for id, e := range p.inUse {
		resources = append(resources, e.res)
		busy = append(busy, held{id: id, since: now.Sub(e.busySince)})
	}
	p.mu.Unlock()

	log := p.log.WithFields(logrus.Fields{
		"free":   stats.Free,
		"in_use": stats.InUse,
		"max":    stats.Max,
	})
	log.Infof("pool: %d free, %d in use, %d max", stats.Free, stats.InUse, stats.Max)

	for _, r := range resources {
		mr, ok := any(r).(MemoryReporter)
		if !ok {
			continue
		}
		used, err := mr.MemoryUsage()
		if err != nil {
			p.log.WithError(err).Debugf("no memory usage for %s", short(r.ID()))
			continue
		}
		p.log.Infof("instance %s uses %.1f MiB", short(r.ID()), float64(used)/(1<<20))
	}

	sort.Slice(busy, func(i, j int) bool { return busy[i].since > busy[j].since })
	if len(busy) > 3 {
		busy = busy[:3]
	}
	for _, b := range busy {
		p.log.Infof("instance %s in use for %s", short(b.id), b.since.Round(time.Second))
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
