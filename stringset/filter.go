package stringset

import (
	"strings"
	"sync"
)

// StringFilter remembers strings case-insensitively.
type StringFilter struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewStringFilter() *StringFilter {
	return &StringFilter{seen: make(map[string]struct{})}
}

// Duplicate reports whether s was seen before and remembers it.
func (f *StringFilter) Duplicate(s string) bool {
	key := strings.ToLower(s)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return true
	}
	f.seen[key] = struct{}{}
	return false
}

func (f *StringFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
