package core

import (
	"bytes"
	"hash/fnv"
	"math/bits"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

const maxSignatureFeatures = 2048

// DOMDeduper remembers rendered DOM signatures per host so near-duplicate
// pages (same template, other content) get no event crawl of their own.
type DOMDeduper struct {
	threshold int
	mu        sync.Mutex
	seen      map[string][]uint64
}

// NewDOMDeduper treats signatures within threshold bits as duplicates.
func NewDOMDeduper(threshold int) *DOMDeduper {
	if threshold <= 0 {
		threshold = 6
	}
	return &DOMDeduper{threshold: threshold, seen: make(map[string][]uint64)}
}

// Seen records the document's signature and reports whether a similar
// one was recorded for host before.
func (d *DOMDeduper) Seen(host string, doc *goquery.Document) bool {
	sig := DOMSignature(doc)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.seen[host] {
		if HammingDistance(existing, sig) <= d.threshold {
			return true
		}
	}
	d.seen[host] = append(d.seen[host], sig)
	return false
}

// DOMSignature is a simhash over tag names, attribute names and whether an
// element has text. Values are left out so content changes do not count.
func DOMSignature(doc *goquery.Document) uint64 {
	features := make([]string, 0, 256)
	doc.Find("*").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		node := sel.Get(0)
		tag := strings.ToLower(node.Data)
		if tag == "" {
			return true
		}
		features = append(features, "tag:"+tag)
		for _, attr := range node.Attr {
			name := strings.ToLower(attr.Key)
			if name == "" || name == "style" || strings.HasPrefix(name, "data-") {
				continue
			}
			features = append(features, "attr:"+name)
		}
		if tag != "script" && tag != "style" && strings.TrimSpace(sel.Text()) != "" {
			features = append(features, "text:present")
		}
		return len(features) < maxSignatureFeatures
	})
	if len(features) == 0 {
		features = append(features, "empty")
	}
	return simhash(features)
}

func simhash(features []string) uint64 {
	var weights [64]int
	h := fnv.New64a()
	for _, feature := range features {
		h.Reset()
		_, _ = h.Write([]byte(feature))
		sig := h.Sum64()
		for i := 0; i < 64; i++ {
			if (sig>>uint(i))&1 == 1 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	var result uint64
	for i := 0; i < 64; i++ {
		if weights[i] >= 0 {
			result |= 1 << uint(i)
		}
	}
	return result
}

func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func isLikelyHTML(contentType string, body []byte) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if strings.Contains(contentType, "text/html") || strings.Contains(contentType, "application/xhtml") {
		return true
	}
	if contentType != "" {
		return false
	}
	lower := bytes.ToLower(bytes.TrimSpace(body))
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}
