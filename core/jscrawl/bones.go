package jscrawl

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/net/html"
)

// Bones reduces a document to its tag skeleton: one token per start and end
// tag, text and attribute values dropped. Two renderings of the same page
// with different data have near identical bones.
func Bones(dom string) []string {
	z := html.NewTokenizer(strings.NewReader(dom))
	var bones []string
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF: a strings.Reader fails no other way.
			return bones
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			bones = append(bones, string(name))
		case html.EndTagToken:
			name, _ := z.TagName()
			bones = append(bones, "/"+string(name))
		}
	}
}

// Similar reports whether the ratio of matching tokens in a and b is at
// least ratio. The cheap upper bounds are checked first.
func Similar(a, b []string, ratio float64) bool {
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	if m.RealQuickRatio() < ratio {
		return false
	}
	if m.QuickRatio() < ratio {
		return false
	}
	return m.Ratio() >= ratio
}

// bonesCache memoizes Bones by document digest. The initial DOM of a page
// is compared after every navigation, so it is computed once.
type bonesCache struct {
	c *lru.Cache[string, []string]
}

func newBonesCache(size int) (*bonesCache, error) {
	c, err := lru.New[string, []string](size)
	if err != nil {
		return nil, err
	}
	return &bonesCache{c: c}, nil
}

func (b *bonesCache) get(dom string) []string {
	sum := sha1.Sum([]byte(dom))
	key := hex.EncodeToString(sum[:])
	if bones, ok := b.c.Get(key); ok {
		return bones
	}
	bones := Bones(dom)
	b.c.Add(key, bones)
	return bones
}
