package frames

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/jaeles-project/chromespider/core/devtools"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultRequestedNavigationWindow = 2 * time.Second

const (
	eventFrameAttached            = "Page.frameAttached"
	eventFrameNavigated           = "Page.frameNavigated"
	eventNavigatedWithinDocument  = "Page.navigatedWithinDocument"
	eventFrameDetached            = "Page.frameDetached"
	eventLifecycle                = "Page.lifecycleEvent"
	eventFrameStartedLoading      = "Page.frameStartedLoading"
	eventFrameStoppedLoading      = "Page.frameStoppedLoading"
	eventFrameRequestedNavigation = "Page.frameRequestedNavigation"
)

type Options struct {
	// RequestedNavigationWindow is how long a frame reports LOADING after
	// Page.frameRequestedNavigation when nothing else follows.
	RequestedNavigationWindow time.Duration
	Logger                    *logrus.Entry
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager keeps the frame tree of one tab in sync with protocol events.
// Handle is meant to be registered on a devtools.Client.
type Manager struct {
	mu         sync.Mutex
	frames     map[FrameID]*Frame
	main       FrameID
	generation uint64
	// changed is when the last frame event was applied.
	changed time.Time

	window time.Duration
	now    func() time.Time
	log    *logrus.Entry
}

func NewManager(opts Options) *Manager {
	if opts.RequestedNavigationWindow <= 0 {
		opts.RequestedNavigationWindow = defaultRequestedNavigationWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		frames: make(map[FrameID]*Frame),
		window: opts.RequestedNavigationWindow,
		now:    opts.Now,
		log:    log.WithField("component", "frames"),
	}
}

// Handle consumes one protocol message. Messages other than the page
// lifecycle events are ignored.
func (m *Manager) Handle(msg *devtools.Message) error {
	if !msg.IsEvent() {
		return nil
	}
	var err error
	switch msg.Method {
	case eventFrameAttached:
		var evt proto.PageFrameAttached
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onAttached(evt.FrameID, evt.ParentFrameID)
		}
	case eventFrameNavigated:
		var evt proto.PageFrameNavigated
		if err = json.Unmarshal(msg.Params, &evt); err == nil && evt.Frame != nil {
			m.onNavigated(evt.Frame.ID, evt.Frame.ParentID)
		}
	case eventNavigatedWithinDocument:
		var evt proto.PageNavigatedWithinDocument
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onNavigatedWithinDocument(evt.FrameID)
		}
	case eventFrameDetached:
		var evt proto.PageFrameDetached
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onDetached(evt.FrameID)
		}
	case eventLifecycle:
		var evt proto.PageLifecycleEvent
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onLifecycle(evt.FrameID, string(evt.Name))
		}
	case eventFrameStartedLoading:
		var evt proto.PageFrameStartedLoading
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onStartedLoading(evt.FrameID)
		}
	case eventFrameStoppedLoading:
		var evt proto.PageFrameStoppedLoading
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onStoppedLoading(evt.FrameID)
		}
	case eventFrameRequestedNavigation:
		var evt proto.PageFrameRequestedNavigation
		if err = json.Unmarshal(msg.Params, &evt); err == nil {
			m.onRequestedNavigation(evt.FrameID)
		}
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", msg.Method, err)
	}
	m.mu.Lock()
	m.changed = m.now()
	m.mu.Unlock()
	return nil
}

// Seed loads an existing frame tree, as returned by Page.getFrameTree, and
// treats every frame in it as loaded.
func (m *Manager) Seed(tree *proto.PageFrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = make(map[FrameID]*Frame)
	m.main = tree.Frame.ID
	m.seed(tree, "")
	m.generation++
}

func (m *Manager) seed(tree *proto.PageFrameTree, parent FrameID) {
	f := newFrame(tree.Frame.ID, parent)
	f.phase = phase{navigated: true, domContentLoaded: true, networkIdle: true}
	m.frames[f.ID] = f
	if p, ok := m.frames[parent]; ok {
		p.children[f.ID] = struct{}{}
	}
	for _, child := range tree.ChildFrames {
		if child != nil && child.Frame != nil {
			m.seed(child, f.ID)
		}
	}
}

// Reset forgets the whole tree.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = make(map[FrameID]*Frame)
	m.main = ""
	m.generation++
}

// MainFrame returns the main frame id, if known.
func (m *Manager) MainFrame() (FrameID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main, m.main != ""
}

// Generation changes every time the main frame starts a navigation.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// State folds the main frame and all its descendants.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, _ := m.stateLocked()
	return state
}

func (m *Manager) stateLocked() (State, bool) {
	main, ok := m.frames[m.main]
	if !ok {
		return StateNone, false
	}
	now := m.now()
	var states []State
	var walk func(f *Frame)
	walk = func(f *Frame) {
		states = append(states, f.ownState(now))
		for id := range f.children {
			if child, ok := m.frames[id]; ok {
				walk(child)
			}
		}
	}
	walk(main)
	return fold(states), true
}

// Frames returns a snapshot of every tracked frame ordered by id.
func (m *Manager) Frames() []FrameInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]FrameInfo, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, FrameInfo{
			ID:               f.ID,
			ParentID:         f.ParentID,
			Children:         len(f.children),
			State:            f.ownState(now),
			DOMContentLoaded: f.phase.domContentLoaded,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) onAttached(id, parent FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.frames[id]; tracked {
		return
	}
	p, ok := m.frames[parent]
	if parent == "" || !ok {
		return
	}
	m.frames[id] = newFrame(id, parent)
	p.children[id] = struct{}{}
	m.log.Debugf("frame %s attached to %s", short(id), short(parent))
}

func (m *Manager) onNavigated(id, parent FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent != "" {
		f, ok := m.frames[id]
		if !ok {
			return
		}
		m.detachChildrenLocked(f)
		f.newDocument()
		f.phase.navigated = true
		return
	}

	m.generation++
	f, ok := m.frames[m.main]
	if !ok {
		f = newFrame(id, "")
		m.frames[id] = f
		m.main = id
		m.log.Debugf("main frame %s created", short(id))
	} else if f.ID != id {
		m.detachChildrenLocked(f)
		delete(m.frames, f.ID)
		f.ID = id
		m.frames[id] = f
		m.main = id
	}
	m.detachChildrenLocked(f)
	f.newDocument()
	f.phase.navigated = true
}

func (m *Manager) onNavigatedWithinDocument(id FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	if !ok {
		return
	}
	if id == m.main {
		m.generation++
	}
	f.force = nil
	f.beforeLoading = nil
	f.phase.withinDocument = true
}

func (m *Manager) onDetached(id FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.frames[id]; ok {
		m.detachLocked(f)
	}
}

func (m *Manager) onLifecycle(id FrameID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.frames[id]
	if !ok {
		if name != "commit" {
			return
		}
		// Out of order delivery: commit for a frame we never saw.
		if m.main == "" {
			f = newFrame(id, "")
			m.main = id
		} else {
			f = newFrame(id, m.main)
			m.frames[m.main].children[id] = struct{}{}
		}
		m.frames[id] = f
		m.log.Debugf("frame %s created on commit", short(id))
	}

	f.force = nil
	switch name {
	case "init":
		if id == m.main {
			m.generation++
		}
		f.newDocument()
		f.phase.lifecycleStarted = true
	case "commit":
		f.beforeLoading = nil
		f.phase.lifecycleStarted = true
	case "DOMContentLoaded":
		f.phase.domContentLoaded = true
	case "networkIdle":
		f.phase.networkIdle = true
	}
}

func (m *Manager) onStartedLoading(id FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	if !ok {
		return
	}
	if id == m.main {
		m.generation++
	}
	saved := f.phase
	f.force = nil
	f.beforeLoading = &saved
	f.phase = phase{navigated: true}
}

func (m *Manager) onStoppedLoading(id FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	if !ok || f.beforeLoading == nil {
		return
	}
	f.phase = *f.beforeLoading
	f.beforeLoading = nil
	m.log.Debugf("frame %s stopped loading without a new document", short(id))
}

func (m *Manager) onRequestedNavigation(id FrameID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	if !ok {
		return
	}
	if id == m.main {
		m.generation++
	}
	f.force = newOverride(StateLoading, m.window, StateObserved, m.now())
}

func (m *Manager) detachChildrenLocked(f *Frame) {
	for id := range f.children {
		if child, ok := m.frames[id]; ok {
			m.detachLocked(child)
		}
	}
	f.children = make(map[FrameID]struct{})
}

func (m *Manager) detachLocked(f *Frame) {
	m.detachChildrenLocked(f)
	if p, ok := m.frames[f.ParentID]; ok {
		delete(p.children, f.ID)
	}
	delete(m.frames, f.ID)
	if m.main == f.ID {
		m.main = ""
	}
	m.log.Debugf("frame %s detached", short(f.ID))
}

func short(id FrameID) string {
	if len(id) > 5 {
		return string(id[:5])
	}
	return string(id)
}
