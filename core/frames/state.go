// Package frames mirrors the browser's frame tree from protocol events and
// derives whether a tab has settled.
package frames

import "github.com/go-rod/rod/lib/proto"

// FrameID is the browser-assigned frame identifier.
type FrameID = proto.PageFrameID

// State is the loading state of a frame or of a whole page.
type State int

const (
	StateNone State = iota
	StateLoading
	StateLoaded
	// StateMightNavigate is only ever forced: an action ran whose
	// navigation effect, if any, is not observable yet.
	StateMightNavigate

	// StateObserved as the after-state of a force means "fall back to
	// what the events say".
	StateObserved State = -1
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateMightNavigate:
		return "might-navigate"
	case StateObserved:
		return "observed"
	}
	return "unknown"
}

// fold combines per-frame states into one page state.
func fold(states []State) State {
	loading := false
	for _, s := range states {
		switch s {
		case StateNone:
			return StateNone
		case StateLoading, StateMightNavigate:
			loading = true
		}
	}
	if loading {
		return StateLoading
	}
	return StateLoaded
}
