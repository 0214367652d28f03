package jscrawl

import (
	"strings"
	"sync"

	"github.com/jaeles-project/chromespider/core/chrome"
)

type DispatchState int

const (
	DispatchIgnored DispatchState = iota
	DispatchSucceeded
	DispatchFailed
)

func (s DispatchState) String() string {
	switch s {
	case DispatchIgnored:
		return "ignored"
	case DispatchSucceeded:
		return "succeeded"
	case DispatchFailed:
		return "failed"
	}
	return "unknown"
}

// DispatchRecord is one entry of the dispatch log.
type DispatchRecord struct {
	Listener chrome.EventListener
	State    DispatchState
	URL      string
}

const defaultLogLimit = 10000

// DispatchLog is shared by every crawl of a session. It keeps the most
// recent records so that a widget repeated on every page of a site (a
// footer link, a cookie banner) is not clicked on each of them.
type DispatchLog struct {
	mu      sync.RWMutex
	records []DispatchRecord
	limit   int
}

// NewDispatchLog keeps at most limit records; zero means a default.
func NewDispatchLog(limit int) *DispatchLog {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return &DispatchLog{limit: limit}
}

func (l *DispatchLog) Append(rec DispatchRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) >= l.limit {
		drop := len(l.records) - l.limit + 1
		l.records = append(l.records[:0:0], l.records[drop:]...)
	}
	l.records = append(l.records, rec)
}

func (l *DispatchLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Covered reports whether dispatching listener on url would add nothing:
// the same listener already ran on that url, or maxSimilar listeners that
// look like it ran anywhere. Only successful dispatches count. The newest
// records are scanned first since similar widgets cluster in time.
func (l *DispatchLog) Covered(listener chrome.EventListener, url string, maxSimilar int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	similar := 0
	for i := len(l.records) - 1; i >= 0; i-- {
		rec := l.records[i]
		if rec.State != DispatchSucceeded {
			continue
		}
		if rec.URL == url && rec.Listener.Key() == listener.Key() {
			return true
		}
		if fuzzyMatch(rec.Listener, listener) {
			similar++
			if similar >= maxSimilar {
				return true
			}
		}
	}
	return false
}

// fuzzyMatch treats listeners of the same type on the same kind of element
// with the same text as interchangeable.
func fuzzyMatch(a, b chrome.EventListener) bool {
	return a.EventType == b.EventType &&
		strings.EqualFold(a.TagName, b.TagName) &&
		strings.TrimSpace(a.TextContent) == strings.TrimSpace(b.TextContent)
}
