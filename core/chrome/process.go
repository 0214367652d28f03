package chrome

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jaeles-project/chromespider/core/devtools"
)

// startProcess launches Chromium behind the recording proxy, opens a blank
// target and returns its page WebSocket URL.
func (b *Browser) startProcess(ctx context.Context) (string, error) {
	bin := b.opts.Bin
	if bin == "" {
		resolved, err := ResolveBinary(ctx, "", b.logger())
		if err != nil {
			return "", fmt.Errorf("resolve browser binary: %w", err)
		}
		bin = resolved
	}

	l := launcher.New().
		Leakless(false).
		NoSandbox(true).
		Headless(b.opts.Headless).
		Bin(bin).
		Proxy(b.recorder.Addr()).
		Set("proxy-bypass-list", "<-loopback>").
		Set("disable-http2").
		Set("ignore-certificate-errors").
		Set("window-size", "1920,1200").
		Set("blink-settings", "imagesEnabled=false").
		Set("disable-gpu").
		Set("no-first-run")
	for _, f := range b.opts.Flags {
		name, value, hasValue := strings.Cut(strings.TrimLeft(f, "-"), "=")
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	b.launcher = l

	type launched struct {
		controlURL string
		err        error
	}
	done := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		done <- launched{u, err}
	}()

	var controlURL string
	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("launch %s: %w", bin, res.err)
		}
		controlURL = res.controlURL
	case <-ctx.Done():
		l.Kill()
		return "", fmt.Errorf("launch %s: %w", bin, ctx.Err())
	}

	root, err := devtools.Dial(ctx, controlURL, devtools.Options{
		Timeout: b.opts.ProtocolTimeout,
		Logger:  b.logger(),
	})
	if err != nil {
		return "", fmt.Errorf("connect browser: %w", err)
	}
	b.root = root

	target, err := proto.TargetCreateTarget{URL: "about:blank"}.Call(session{Client: root, ctx: ctx})
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	return pageURL(controlURL, string(target.TargetID))
}

// pageURL turns ws://host/devtools/browser/<id> into the page endpoint.
func pageURL(controlURL, targetID string) (string, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return "", fmt.Errorf("parse control url: %w", err)
	}
	u.Path = "/devtools/page/" + targetID
	return u.String(), nil
}

// PID is the browser process id, 0 when not launched by us.
func (b *Browser) PID() int {
	if b.launcher == nil {
		return 0
	}
	return b.launcher.PID()
}
