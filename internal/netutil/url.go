// Package netutil canonicalizes URLs so equivalent spellings compare equal.
package netutil

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

var curlyBracketDecoder = strings.NewReplacer("%7B", "{", "%7b", "{", "%7D", "}", "%7d", "}")

// CanonicalURL lower-cases scheme and host, drops default ports and the
// fragment, cleans the path and sorts the query. ok is false when raw does
// not parse.
func CanonicalURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = canonicalHost(u)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = CleanPath(u.Path)
	u.RawPath = ""
	if u.RawQuery != "" {
		u.RawQuery = NormalizeQuery(u.RawQuery)
	}
	// Templated paths such as /user/{id} stay readable.
	return curlyBracketDecoder.Replace(u.String()), true
}

func canonicalHost(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}

// CleanPath resolves dot segments and always returns an absolute path.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	clean := path.Clean(p)
	if !strings.HasPrefix(clean, "/") {
		clean = "/" + clean
	}
	// Clean drops the trailing slash, which servers often treat as distinct.
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

// NormalizeQuery sorts parameters by key, then value, dropping exact
// duplicates. A query that does not parse is returned unchanged.
func NormalizeQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, k := range keys {
		vals := values[k]
		sort.Strings(vals)
		key := url.QueryEscape(k)
		for i, v := range vals {
			if i > 0 && v == vals[i-1] {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(key)
			if v != "" {
				builder.WriteByte('=')
				builder.WriteString(url.QueryEscape(v))
			}
		}
	}
	return builder.String()
}
