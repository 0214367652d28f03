package frames

import (
	"sync"
	"time"
)

// PageState answers "has this tab settled". Callers force a state before
// actions whose navigation effect is not observable yet; the force is
// dropped as soon as the main frame reports a navigation of its own.
type PageState struct {
	m *Manager

	mu    sync.Mutex
	force *override
	gen   uint64
}

func NewPageState(m *Manager) *PageState {
	return &PageState{m: m}
}

// Force overrides the observed state for timeout, after which after
// applies. The after state only lasts until the next frame event. A
// timeout <= 0 keeps the override until the next main frame navigation.
func (p *PageState) Force(state State, timeout time.Duration, after State) {
	gen := p.m.Generation()
	o := newOverride(state, timeout, after, p.m.now())
	p.mu.Lock()
	p.force = o
	p.gen = gen
	p.mu.Unlock()
	p.m.log.Debugf("page state forced to %s for %s, then %s", state, timeout, after)
}

// Clear drops any forced state.
func (p *PageState) Clear() {
	p.mu.Lock()
	p.force = nil
	p.mu.Unlock()
}

// Get returns the page state: NONE without a main frame, the forced value
// while it holds, otherwise the fold over the frame tree.
func (p *PageState) Get() State {
	p.m.mu.Lock()
	observed, hasMain := p.m.stateLocked()
	gen := p.m.generation
	changed := p.m.changed
	now := p.m.now()
	p.m.mu.Unlock()

	if !hasMain {
		return StateNone
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.force == nil {
		return observed
	}
	if p.gen != gen || p.force.settledBefore(changed) {
		p.force = nil
		return observed
	}
	if s, ok := p.force.resolve(now); ok {
		return s
	}
	return observed
}
