package chrome

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jaeles-project/chromespider/core/frames"
)

const (
	loadPollInterval       = 100 * time.Millisecond
	navigationPollInterval = 50 * time.Millisecond
)

// LoadURL navigates the tab. The page is forced to LOADING first: the
// command returns before the browser reports that anything started.
func (b *Browser) LoadURL(ctx context.Context, target string) error {
	if b.recorder != nil {
		b.recorder.ResetFirst()
	}
	b.state.Force(frames.StateLoading, b.opts.LoadForceTimeout, frames.StateObserved)

	res, err := proto.PageNavigate{URL: target}.Call(b.session(ctx))
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", target, err)
	}
	if res.ErrorText != "" {
		b.logger().Debugf("navigation to %s reported %s", target, res.ErrorText)
	}
	return nil
}

// NavigateToHistoryIndex moves to the history entry with the given id (the
// id attribute of an entry, not its position).
func (b *Browser) NavigateToHistoryIndex(ctx context.Context, entryID int) error {
	b.state.Force(frames.StateLoading, b.opts.LoadForceTimeout, frames.StateObserved)
	if err := (proto.PageNavigateToHistoryEntry{EntryID: entryID}).Call(b.session(ctx)); err != nil {
		return fmt.Errorf("navigate to history entry %d: %w", entryID, err)
	}
	return nil
}

// NavigationHistory returns the tab's history and the current position in it.
func (b *Browser) NavigationHistory(ctx context.Context) ([]*proto.PageNavigationEntry, int, error) {
	res, err := proto.PageGetNavigationHistory{}.Call(b.session(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("get navigation history: %w", err)
	}
	return res.Entries, res.CurrentIndex, nil
}

// NavigationHistoryIndex returns the id of the current history entry.
func (b *Browser) NavigationHistoryIndex(ctx context.Context) (int, error) {
	entries, current, err := b.NavigationHistory(ctx)
	if err != nil {
		return 0, err
	}
	if current < 0 || current >= len(entries) || entries[current] == nil {
		return 0, fmt.Errorf("history index %d out of range (%d entries)", current, len(entries))
	}
	return entries[current].ID, nil
}

// StopLoading aborts any navigation in progress.
func (b *Browser) StopLoading(ctx context.Context) error {
	return proto.PageStopLoading{}.Call(b.session(ctx))
}

// WaitForLoad polls until every known frame has settled. It reports false
// on timeout instead of failing; callers decide whether that matters.
func (b *Browser) WaitForLoad(ctx context.Context, timeout time.Duration) bool {
	return b.poll(ctx, timeout, loadPollInterval, func(s frames.State) bool {
		return s == frames.StateLoaded
	})
}

// NavigationStarted reports whether a navigation began within timeout. It
// is meant to run right after an action that might navigate.
func (b *Browser) NavigationStarted(ctx context.Context, timeout time.Duration) bool {
	return b.poll(ctx, timeout, navigationPollInterval, func(s frames.State) bool {
		return s == frames.StateLoading
	})
}

func (b *Browser) poll(ctx context.Context, timeout, every time.Duration, done func(frames.State) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if done(b.state.Get()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return done(b.state.Get())
		case <-ticker.C:
		}
	}
}
