package core

import (
	"math"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jaeles-project/chromespider/core/proxy"
)

// DocumentParser extracts links and forms from a loaded page.
type DocumentParser struct {
	// Ratio is the relative size difference between the rendered DOM and
	// the raw response above which the DOM is parsed.
	Ratio float64
}

type Document struct {
	Doc *goquery.Document
	// Rendered is true when Doc is the browser's DOM, false when it is the
	// response body.
	Rendered bool
}

type ParseResult struct {
	Links []string
	Forms []FoundRequest
}

var linkSelectors = []struct{ sel, attr string }{
	{"a[href]", "href"},
	{"area[href]", "href"},
	{"iframe[src]", "src"},
	{"frame[src]", "src"},
}

// Select picks what to parse. Scripts that barely changed the page leave
// the response body as the better source; otherwise the DOM is used.
func (p DocumentParser) Select(dom string, first *proxy.Traffic) (Document, error) {
	src, rendered := dom, true
	if first != nil && first.Response != nil && len(first.Response.Body) > 0 &&
		isLikelyHTML(first.Response.Header.Get("Content-Type"), first.Response.Body) &&
		!p.domChanged(len(dom), len(first.Response.Body)) {
		src, rendered = string(first.Response.Body), false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return Document{}, err
	}
	return Document{Doc: doc, Rendered: rendered}, nil
}

func (p DocumentParser) domChanged(domLen, bodyLen int) bool {
	ratio := p.Ratio
	if ratio <= 0 {
		ratio = 0.1
	}
	return math.Abs(1-float64(domLen)/float64(bodyLen)) > ratio
}

// Parse resolves every link and form of d against pageURL.
func (p DocumentParser) Parse(pageURL string, d Document) ParseResult {
	var res ParseResult
	base, err := url.Parse(pageURL)
	if err != nil {
		return res
	}
	if href, ok := d.Doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	seen := make(map[string]struct{})
	for _, ls := range linkSelectors {
		d.Doc.Find(ls.sel).Each(func(_ int, s *goquery.Selection) {
			u, ok := NormalizeURL(base, s.AttrOr(ls.attr, ""))
			if !ok {
				return
			}
			if _, dup := seen[u]; dup {
				return
			}
			seen[u] = struct{}{}
			res.Links = append(res.Links, u)
		})
	}

	d.Doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		if req, ok := ExtractFormRequest(s, base); ok {
			res.Forms = append(res.Forms, req)
		}
	})
	return res
}
