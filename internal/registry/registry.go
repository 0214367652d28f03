package registry

import (
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/jaeles-project/chromespider/internal/netutil"
	"github.com/jaeles-project/chromespider/stringset"
)

// URLRegistry de-duplicates emitted requests by a canonical key: method,
// normalized URL and a digest of the body.
type URLRegistry struct {
	once   sync.Once
	filter *stringset.StringFilter
}

func NewURLRegistry() *URLRegistry {
	return &URLRegistry{}
}

func (r *URLRegistry) ensure() {
	r.once.Do(func() {
		r.filter = stringset.NewStringFilter()
	})
}

func (r *URLRegistry) Duplicate(raw string) bool {
	return r.DuplicateRequest(http.MethodGet, raw, "")
}

func (r *URLRegistry) DuplicateRequest(method, rawURL, body string) bool {
	key := canonicalRequestKey(method, rawURL, body)
	if key == "" {
		return false
	}

	r.ensure()
	return r.filter.Duplicate(key)
}

func (r *URLRegistry) Filter() *stringset.StringFilter {
	r.ensure()
	return r.filter
}

func canonicalRequestKey(method, rawURL, body string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if strings.TrimSpace(rawURL) == "" {
		return ""
	}

	canonicalURL, ok := netutil.CanonicalURL(rawURL)
	if !ok {
		canonicalURL = strings.TrimSpace(rawURL)
	}
	if hash := hashContentString(body); hash != "" {
		return method + " " + canonicalURL + " body:" + hash
	}
	return method + " " + canonicalURL
}

func hashContentString(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	sum := sha1.Sum([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}
