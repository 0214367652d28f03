package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaeles-project/chromespider/core/proxy"
)

type fakeBrowser struct {
	id string

	mu         sync.Mutex
	queue      proxy.Queue
	did        string
	terminated int
	failClose  bool
}

func (f *fakeBrowser) ID() string { return f.id }

func (f *fakeBrowser) SetTrafficQueue(q proxy.Queue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = q
}

func (f *fakeBrowser) SetDebuggingID(did string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.did = did
}

func (f *fakeBrowser) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated++
	if f.failClose {
		return errors.New("proxy: close failed")
	}
	return nil
}

func (f *fakeBrowser) MemoryUsage() (uint64, error) { return 64 << 20, nil }

func (f *fakeBrowser) terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

type factory struct {
	n    atomic.Int32
	fail atomic.Bool
	mu   sync.Mutex
	made []*fakeBrowser
}

func (f *factory) create(ctx context.Context) (*fakeBrowser, error) {
	if f.fail.Load() {
		return nil, errors.New("browser did not start")
	}
	b := &fakeBrowser{id: fmt.Sprintf("instance-%04d", f.n.Add(1))}
	f.mu.Lock()
	f.made = append(f.made, b)
	f.mu.Unlock()
	return b, nil
}

func newPool(t *testing.T, cfg Config) (*Pool[*fakeBrowser], *factory) {
	t.Helper()
	f := &factory{}
	p := New[*fakeBrowser](cfg, f.create)
	t.Cleanup(p.Terminate)
	return p, f
}

func TestGetReusesFreedInstance(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 2, MaxTasks: 10})
	ctx := context.Background()
	q := proxy.NewChannelQueue(1, nil)

	b1, err := p.Get(ctx, q, "did-1")
	require.NoError(t, err)
	assert.Equal(t, "did-1", b1.did)
	assert.Equal(t, proxy.Queue(q), b1.queue)

	p.Free(b1)
	assert.Equal(t, proxy.Queue(proxy.Discard), b1.queue, "free unbinds the traffic queue")

	b2, err := p.Get(ctx, q, "did-2")
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, "did-2", b2.did)
	assert.Equal(t, int32(1), f.n.Load())
}

func TestGetNeverExceedsMaxSize(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 2, GetTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	a, err := p.Get(ctx, proxy.Discard, "a")
	require.NoError(t, err)
	_, err = p.Get(ctx, proxy.Discard, "b")
	require.NoError(t, err)

	started := time.Now()
	_, err = p.Get(ctx, proxy.Discard, "c")
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(started), 100*time.Millisecond)
	assert.Equal(t, int32(2), f.n.Load())

	p.Free(a)
	c, err := p.Get(ctx, proxy.Discard, "c")
	require.NoError(t, err)
	assert.Same(t, a, c)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Free)
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 2, stats.Created)
}

func TestGetWaitsForFree(t *testing.T) {
	p, _ := newPool(t, Config{MaxSize: 1, GetTimeout: 2 * time.Second})
	ctx := context.Background()

	a, err := p.Get(ctx, proxy.Discard, "a")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Free(a)
	}()

	b, err := p.Get(ctx, proxy.Discard, "b")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestGetHonorsContext(t *testing.T) {
	p, _ := newPool(t, Config{MaxSize: 1, GetTimeout: time.Minute})
	_, err := p.Get(context.Background(), proxy.Discard, "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx, proxy.Discard, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentGetRespectsCapacity(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 3, MaxTasks: 1000, GetTimeout: 5 * time.Second})
	ctx := context.Background()

	var inUse, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := p.Get(ctx, proxy.Discard, fmt.Sprintf("did-%d", i))
			if !assert.NoError(t, err) {
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			p.Free(b)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.LessOrEqual(t, f.n.Load(), int32(3))
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.LessOrEqual(t, stats.Free, 3)
}

func TestFreeRecyclesAfterMaxTasks(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 1, MaxTasks: 2})
	ctx := context.Background()

	var first *fakeBrowser
	for i := 0; i < 3; i++ {
		b, err := p.Get(ctx, proxy.Discard, "did")
		require.NoError(t, err)
		if first == nil {
			first = b
		}
		assert.Same(t, first, b)
		p.Free(b)
	}
	assert.Equal(t, 1, first.terminations(), "the third task exceeds MaxTasks")

	b, err := p.Get(ctx, proxy.Discard, "did")
	require.NoError(t, err)
	assert.NotSame(t, first, b)
	assert.Equal(t, int32(2), f.n.Load())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Recycled)
	assert.Equal(t, 1, stats.Removed)
}

func TestRemoveIsIdempotent(t *testing.T) {
	p, _ := newPool(t, Config{MaxSize: 1, GetTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	b, err := p.Get(ctx, proxy.Discard, "did")
	require.NoError(t, err)
	b.failClose = true

	p.Remove(b, ReasonError)
	p.Remove(b, ReasonError)
	assert.Equal(t, 1, b.terminations())

	// The permit came back: a new instance can be created.
	nb, err := p.Get(ctx, proxy.Discard, "did")
	require.NoError(t, err)
	assert.NotSame(t, b, nb)

	p.Free(nb)
	p.Remove(nb, ReasonError)
	assert.Equal(t, 1, nb.terminations(), "free instances can be removed too")
	assert.Equal(t, Stats{Max: 1, Created: 2, Removed: 2}, p.Stats())
}

func TestFactoryFailureReleasesCapacity(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 1, GetTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	f.fail.Store(true)
	_, err := p.Get(ctx, proxy.Discard, "did")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoolExhausted)

	f.fail.Store(false)
	_, err = p.Get(ctx, proxy.Discard, "did")
	assert.NoError(t, err)
}

func TestWarmAndTerminate(t *testing.T) {
	p, f := newPool(t, Config{MaxSize: 3, MinSize: 2})
	ctx := context.Background()

	require.NoError(t, p.Warm(ctx))
	assert.Equal(t, 2, p.Stats().Free)
	assert.Equal(t, int32(2), f.n.Load())

	busy, err := p.Get(ctx, proxy.Discard, "did")
	require.NoError(t, err)

	p.Terminate()
	p.Terminate()
	for _, b := range f.made {
		assert.Equal(t, 1, b.terminations(), b.id)
	}

	_, err = p.Get(ctx, proxy.Discard, "did")
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, p.Warm(ctx), ErrPoolClosed)

	// A worker finishing after shutdown must not resurrect its instance.
	p.Free(busy)
	assert.Equal(t, 0, p.Stats().Free)
	assert.Equal(t, 1, busy.terminations())
}

func TestStatsLogging(t *testing.T) {
	p, _ := newPool(t, Config{MaxSize: 2, LogEvery: 1})
	b, err := p.Get(context.Background(), proxy.Discard, "did")
	require.NoError(t, err)
	p.Free(b)
	assert.Equal(t, 1, p.Stats().Free)
}
