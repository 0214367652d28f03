package core

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaeles-project/chromespider/core/proxy"
)

func htmlResponse(body string) *proxy.Traffic {
	return &proxy.Traffic{Response: &proxy.RecordedResponse{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}}
}

func TestSelectPrefersResponseWhenDOMBarelyChanged(t *testing.T) {
	p := DocumentParser{Ratio: 0.1}
	body := `<html><body><a href="/raw">raw</a></body></html>`
	dom := body + "\n"

	d, err := p.Select(dom, htmlResponse(body))
	require.NoError(t, err)
	assert.False(t, d.Rendered)
	assert.Equal(t, []string{"http://a.com/raw"}, p.Parse("http://a.com/", d).Links)
}

func TestSelectUsesDOMWhenScriptsBuiltThePage(t *testing.T) {
	p := DocumentParser{Ratio: 0.1}
	body := `<html><body><div id="app"></div></body></html>`
	dom := `<html><body><div id="app"><a href="/one">1</a><a href="/two">2</a><a href="/three">3</a></div></body></html>`

	d, err := p.Select(dom, htmlResponse(body))
	require.NoError(t, err)
	assert.True(t, d.Rendered)
	assert.Len(t, p.Parse("http://a.com/", d).Links, 3)

	d, err = p.Select(dom, nil)
	require.NoError(t, err)
	assert.True(t, d.Rendered, "no response to compare with")

	json := &proxy.Traffic{Response: &proxy.RecordedResponse{Header: http.Header{"Content-Type": []string{"application/json"}}, Body: []byte(dom)}}
	d, err = p.Select(dom, json)
	require.NoError(t, err)
	assert.True(t, d.Rendered, "non-html responses are never parsed")
}

func TestParseLinksAndForms(t *testing.T) {
	doc := `<html><head><base href="/app/"></head><body>
		<a href="page">rel</a>
		<a href="page#frag">dup</a>
		<a href="javascript:void(0)">js</a>
		<a href="mailto:x@a.com">mail</a>
		<a href="/logo.png">img</a>
		<area href="//cdn.a.com/map">
		<iframe src="/frame"></iframe>
		<form action="/login" method="post">
			<input name="user" value="bob">
			<input type="password" name="pass">
			<input type="checkbox" name="remember">
			<input type="submit" name="go" value="Go">
			<select name="lang"><option value="en">en</option><option value="fr" selected>fr</option></select>
			<textarea name="note"> hi </textarea>
		</form>
		<form action="search?old=1"><input name="q" value="x y"></form>
	</body></html>`
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	require.NoError(t, err)

	res := DocumentParser{}.Parse("https://a.com/index", Document{Doc: d, Rendered: true})

	assert.Equal(t, []string{"https://a.com/app/page", "https://cdn.a.com/map", "https://a.com/frame"}, res.Links)
	require.Len(t, res.Forms, 2)
	assert.Equal(t, FoundRequest{
		Method:      "POST",
		URL:         "https://a.com/login",
		Body:        "lang=fr&note=hi&pass=&user=bob",
		ContentType: "application/x-www-form-urlencoded",
	}, res.Forms[0])
	assert.Equal(t, FoundRequest{Method: "GET", URL: "https://a.com/app/search?q=x+y"}, res.Forms[1])
}

func TestNormalizeURL(t *testing.T) {
	base, _ := url.Parse("http://a.com/dir/page")
	cases := map[string]string{
		"next":                   "http://a.com/dir/next",
		"/x//y":                  "http://a.com/x/y",
		"https://b.com/p?q=1#f":  "https://b.com/p?q=1",
		" 'http://a.com/quoted'": "http://a.com/quoted",
	}
	for in, want := range cases {
		got, ok := NormalizeURL(base, in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "#top", "javascript:x()", "tel:123", "ftp://a.com/f", "/a.css", "/b.JPG", "/wp-content/x"} {
		_, ok := NormalizeURL(base, in)
		assert.False(t, ok, in)
	}
}

func TestScope(t *testing.T) {
	site, _ := url.Parse("http://Example.com")
	s, err := NewScope(site, false, `logout`)
	require.NoError(t, err)
	assert.True(t, s.Allowed("https://example.com/a"))
	assert.False(t, s.Allowed("http://www.example.com/a"))
	assert.False(t, s.Allowed("http://example.com/logout"))
	assert.False(t, s.Allowed("http://evil.com/?example.com"))

	subs, err := NewScope(site, true, "")
	require.NoError(t, err)
	assert.True(t, subs.Allowed("http://api.example.com/v1"))
	assert.False(t, subs.Allowed("http://notexample.com/"))

	_, err = NewScope(site, false, "(")
	assert.Error(t, err)
}

func TestDOMDeduper(t *testing.T) {
	page := func(title string, items int) *goquery.Document {
		d, err := goquery.NewDocumentFromReader(strings.NewReader(
			"<html><body><h1>" + title + "</h1><ul>" + strings.Repeat(`<li class="i"><a href="#">x</a></li>`, items) + "</ul></body></html>"))
		require.NoError(t, err)
		return d
	}
	form, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<html><body><form id="f"><input type="text" name="a"><select name="b"></select><button type="submit">Go</button></form><table><tr><td>1</td></tr></table></body></html>`))
	require.NoError(t, err)

	d := NewDOMDeduper(0)
	assert.False(t, d.Seen("a.com", page("one", 5)))
	assert.True(t, d.Seen("a.com", page("two", 5)), "same template, other text")
	assert.False(t, d.Seen("b.com", page("one", 5)), "hosts are tracked separately")
	assert.False(t, d.Seen("a.com", form))
	assert.Equal(t, 0, HammingDistance(DOMSignature(page("x", 3)), DOMSignature(page("y", 3))))
}
