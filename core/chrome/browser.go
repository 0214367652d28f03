// Package chrome is the instrumented browser: one Chromium process bound to
// a recording proxy, driven over the remote-debugging protocol.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaeles-project/chromespider/core/devtools"
	"github.com/jaeles-project/chromespider/core/frames"
	"github.com/jaeles-project/chromespider/core/proxy"
)

type Options struct {
	// Bin is the Chromium executable. Empty means ResolveBinary.
	Bin      string
	Headless bool
	// Flags are extra command line switches, "name" or "name=value".
	Flags []string
	// Upstream chains the recording proxy through another proxy.
	Upstream *url.URL

	StartupTimeout  time.Duration
	ProtocolTimeout time.Duration
	// EvaluateTimeout bounds in-page evaluation, event dispatch included.
	EvaluateTimeout time.Duration
	// LoadForceTimeout is how long a navigation command keeps the page
	// LOADING before the browser has reported anything.
	LoadForceTimeout time.Duration
	// MightNavigateTimeout is how long MIGHT-NAVIGATE holds after an action.
	MightNavigateTimeout time.Duration
	ListenerPageSize     int
	MaxListenerPages     int
	ConsoleSize          int
	DialogHandler        devtools.DialogHandler

	Logger *logrus.Entry
}

func DefaultOptions() Options {
	return Options{
		Headless:             true,
		StartupTimeout:       30 * time.Second,
		ProtocolTimeout:      20 * time.Second,
		EvaluateTimeout:      5 * time.Second,
		LoadForceTimeout:     10 * time.Second,
		MightNavigateTimeout: time.Second,
		ListenerPageSize:     25,
		MaxListenerPages:     40,
		ConsoleSize:          500,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.ProtocolTimeout <= 0 {
		o.ProtocolTimeout = d.ProtocolTimeout
	}
	if o.EvaluateTimeout <= 0 {
		o.EvaluateTimeout = d.EvaluateTimeout
	}
	if o.LoadForceTimeout <= 0 {
		o.LoadForceTimeout = d.LoadForceTimeout
	}
	if o.MightNavigateTimeout <= 0 {
		o.MightNavigateTimeout = d.MightNavigateTimeout
	}
	if o.ListenerPageSize <= 0 {
		o.ListenerPageSize = d.ListenerPageSize
	}
	if o.MaxListenerPages <= 0 {
		o.MaxListenerPages = d.MaxListenerPages
	}
	if o.ConsoleSize <= 0 {
		o.ConsoleSize = d.ConsoleSize
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Browser is one instrumented tab. It is not safe for concurrent crawls;
// the pool hands each instance to one worker at a time.
type Browser struct {
	id   string
	opts Options

	launcher *launcher.Launcher
	root     *devtools.Client
	client   *devtools.Client
	recorder *proxy.Recorder

	frames *frames.Manager
	state  *frames.PageState

	logMu sync.RWMutex
	log   *logrus.Entry

	terminateOnce sync.Once
}

// session adds a context to the client so typed proto commands honor it.
type session struct {
	*devtools.Client
	ctx context.Context
}

func (s session) GetContext() context.Context { return s.ctx }

func (b *Browser) session(ctx context.Context) session {
	return session{Client: b.client, ctx: ctx}
}

// Launch starts a recording proxy and a Chromium process using it, opens a
// blank tab and instruments it.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	opts.applyDefaults()
	b := newBrowser(opts)

	var err error
	b.recorder, err = proxy.Start(proxy.Options{
		Upstream: opts.Upstream,
		Logger:   b.logger(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrowserStartup, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	pageWS, err := b.startProcess(startCtx)
	if err != nil {
		b.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrBrowserStartup, err)
	}
	if err := b.connect(startCtx, pageWS); err != nil {
		b.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrBrowserStartup, err)
	}
	b.logger().Debugf("browser ready, proxy on %s", b.recorder.Addr())
	return b, nil
}

// Attach instruments an already running page target given its WebSocket
// debugger URL. No process or proxy is owned.
func Attach(ctx context.Context, pageWS string, opts Options) (*Browser, error) {
	opts.applyDefaults()
	b := newBrowser(opts)
	if err := b.connect(ctx, pageWS); err != nil {
		b.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrBrowserStartup, err)
	}
	return b, nil
}

func newBrowser(opts Options) *Browser {
	id := uuid.NewString()
	log := opts.Logger.WithFields(logrus.Fields{"component": "chrome", "instance": id[:8]})
	b := &Browser{
		id:   id,
		opts: opts,
		log:  log,
	}
	b.frames = frames.NewManager(frames.Options{Logger: log})
	b.state = frames.NewPageState(b.frames)
	return b
}

func (b *Browser) connect(ctx context.Context, pageWS string) error {
	client, err := devtools.Dial(ctx, pageWS, devtools.Options{
		Timeout:       b.opts.ProtocolTimeout,
		ConsoleSize:   b.opts.ConsoleSize,
		DialogHandler: b.opts.DialogHandler,
		Logger:        b.logger(),
	})
	if err != nil {
		return err
	}
	b.client = client
	return b.setup(ctx)
}

// setup enables the domains the frame tracker needs and installs the DOM
// analyzer. The frame handler goes first so no lifecycle event is missed.
func (b *Browser) setup(ctx context.Context) error {
	b.client.SetEventHandler(b.frames.Handle)
	s := b.session(ctx)

	steps := []struct {
		name string
		run  func() error
	}{
		{"Page.enable", func() error { return proto.PageEnable{}.Call(s) }},
		{"Page.setLifecycleEventsEnabled", func() error { return proto.PageSetLifecycleEventsEnabled{Enabled: true}.Call(s) }},
		{"Runtime.enable", func() error { return proto.RuntimeEnable{}.Call(s) }},
		{"Security.setIgnoreCertificateErrors", func() error { return proto.SecuritySetIgnoreCertificateErrors{Ignore: true}.Call(s) }},
		{"Page.setBypassCSP", func() error { return proto.PageSetBypassCSP{Enabled: true}.Call(s) }},
		{"Page.setDownloadBehavior", func() error {
			_, err := b.client.Call(ctx, "", "Page.setDownloadBehavior", map[string]string{"behavior": "deny"})
			return err
		}},
		{"Page.addScriptToEvaluateOnNewDocument", func() error {
			_, err := proto.PageAddScriptToEvaluateOnNewDocument{Source: domAnalyzerSource}.Call(s)
			return err
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	tree, err := proto.PageGetFrameTree{}.Call(s)
	if err != nil {
		return fmt.Errorf("Page.getFrameTree: %w", err)
	}
	b.frames.Seed(tree.FrameTree)
	return nil
}

// ID is unique per instance.
func (b *Browser) ID() string {
	return b.id
}

func (b *Browser) logger() *logrus.Entry {
	b.logMu.RLock()
	defer b.logMu.RUnlock()
	return b.log
}

// SetTrafficQueue binds the proxy output to q.
func (b *Browser) SetTrafficQueue(q proxy.Queue) {
	if b.recorder != nil {
		b.recorder.SetTrafficQueue(q)
	}
}

// SetDebuggingID tags traffic and log lines with did.
func (b *Browser) SetDebuggingID(did string) {
	if b.recorder != nil {
		b.recorder.SetDebuggingID(did)
	}
	b.logMu.Lock()
	b.log = b.log.WithField("did", did)
	b.logMu.Unlock()
}

// FirstResponse returns the first non-redirect transaction of the last load.
func (b *Browser) FirstResponse() *proxy.Traffic {
	if b.recorder == nil {
		return nil
	}
	return b.recorder.First()
}

// PageState exposes the tab's loading state.
func (b *Browser) PageState() frames.State {
	return b.state.Get()
}

// ConsoleMessages returns and clears the page's console output.
func (b *Browser) ConsoleMessages() []devtools.ConsoleMessage {
	return b.client.ConsoleMessages()
}

// Terminate tears down the proxy, the connections and the process. Every
// step runs even when an earlier one fails. Calling it again is a no-op.
func (b *Browser) Terminate() error {
	var errs []error
	b.terminateOnce.Do(func() {
		log := b.logger()
		step := func(name string, fn func() error) {
			if err := fn(); err != nil {
				log.WithError(err).Warnf("terminate: %s failed", name)
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}

		if b.recorder != nil {
			step("proxy", b.recorder.Close)
		}
		if b.root != nil {
			step("Browser.close", func() error { return b.root.Send("", "Browser.close", nil) })
		}
		if b.client != nil {
			step("page connection", b.client.Close)
		}
		if b.root != nil {
			step("browser connection", b.root.Close)
		}
		if b.launcher != nil {
			step("process", func() error {
				b.launcher.Kill()
				b.launcher.Cleanup()
				return nil
			})
		}
		b.frames.Reset()
		b.state.Clear()
		log.Debug("browser terminated")
	})
	return errors.Join(errs...)
}
