package frames

import "time"

// override replaces the observed state until deadline, then resolves to after.
// A zero deadline lasts until the override is superseded.
type override struct {
	state    State
	after    State
	deadline time.Time
}

func newOverride(state State, timeout time.Duration, after State, now time.Time) *override {
	o := &override{state: state, after: after}
	if timeout > 0 {
		o.deadline = now.Add(timeout)
	}
	return o
}

// resolve returns the forced value at now. ok is false once the override
// has expired into StateObserved.
func (o *override) resolve(now time.Time) (State, bool) {
	if o.deadline.IsZero() || now.Before(o.deadline) {
		return o.state, true
	}
	if o.after == StateObserved {
		return StateNone, false
	}
	return o.after, true
}

// settledBefore reports whether the override had expired when t happened.
func (o *override) settledBefore(t time.Time) bool {
	return !o.deadline.IsZero() && t.After(o.deadline)
}

// phase holds what the events told us about the frame's current document.
type phase struct {
	navigated        bool
	lifecycleStarted bool
	domContentLoaded bool
	networkIdle      bool
	withinDocument   bool
}

func (p phase) state() State {
	switch {
	case p.withinDocument || p.networkIdle:
		return StateLoaded
	case p.navigated || p.lifecycleStarted:
		return StateLoading
	}
	return StateNone
}

// Frame is one browsing context. Parent and children are ids into the
// Manager's arena.
type Frame struct {
	ID       FrameID
	ParentID FrameID
	children map[FrameID]struct{}

	phase phase
	// beforeLoading is the phase saved by frameStartedLoading; it is
	// restored if loading stops without a new document being committed
	// (denied downloads, 204 responses).
	beforeLoading *phase

	force *override
}

func newFrame(id, parent FrameID) *Frame {
	return &Frame{ID: id, ParentID: parent, children: make(map[FrameID]struct{})}
}

func (f *Frame) newDocument() {
	f.phase = phase{}
	f.beforeLoading = nil
	f.force = nil
}

func (f *Frame) ownState(now time.Time) State {
	if f.force != nil {
		if s, ok := f.force.resolve(now); ok {
			return s
		}
	}
	return f.phase.state()
}

// FrameInfo is a point-in-time copy of a Frame for logging and tests.
type FrameInfo struct {
	ID               FrameID
	ParentID         FrameID
	Children         int
	State            State
	DOMContentLoaded bool
}
