package core

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	linkExclusionFragments = []string{
		"wp-content", "wp-includes", "node_modules", "spinner.gif",
		"fontawesome", "gravatar", "schema.org", "gstatic.com",
	}

	// Rendering these only makes the browser download them.
	fileExtensionExclusions = map[string]struct{}{
		".zip": {}, ".dmg": {}, ".rpm": {}, ".deb": {}, ".gz": {}, ".tar": {}, ".7z": {},
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".bmp": {}, ".ico": {}, ".webp": {},
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {}, ".mp3": {}, ".mp4": {},
		".avi": {}, ".mov": {}, ".mpeg": {}, ".webm": {}, ".css": {}, ".js": {}, ".pdf": {}, ".exe": {},
	}
)

// NormalizeURL resolves candidate against base and drops links that are
// not pages: script pseudo-links, assets and downloads.
func NormalizeURL(base *url.URL, candidate string) (string, bool) {
	candidate = strings.Trim(strings.TrimSpace(candidate), "\"'<>")
	if candidate == "" || strings.HasPrefix(candidate, "#") {
		return "", false
	}
	lower := strings.ToLower(candidate)
	for _, scheme := range []string{"javascript:", "mailto:", "data:", "tel:", "blob:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	var resolved *url.URL
	var err error
	if base != nil {
		resolved, err = base.Parse(candidate)
	} else {
		resolved, err = url.Parse(candidate)
	}
	if err != nil || resolved.Host == "" {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}

	resolved.Fragment = ""
	resolved.Path = cleanPath(resolved.Path)
	if shouldExclude(resolved) {
		return "", false
	}
	return resolved.String(), true
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

func shouldExclude(u *url.URL) bool {
	pathLower := strings.ToLower(u.Path)
	for _, frag := range linkExclusionFragments {
		if strings.Contains(pathLower, frag) {
			return true
		}
	}
	if ext := path.Ext(pathLower); ext != "" {
		if _, ok := fileExtensionExclusions[ext]; ok {
			return true
		}
	}
	return false
}

// Scope decides which discovered links are rendered.
type Scope struct {
	host      string
	subs      bool
	blacklist *regexp.Regexp
}

func NewScope(site *url.URL, subs bool, blacklist string) (*Scope, error) {
	s := &Scope{host: strings.ToLower(site.Hostname()), subs: subs}
	if blacklist != "" {
		re, err := regexp.Compile(blacklist)
		if err != nil {
			return nil, fmt.Errorf("compile blacklist: %w", err)
		}
		s.blacklist = re
	}
	return s, nil
}

func (s *Scope) Allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	inScope := host == s.host || (s.subs && strings.HasSuffix(host, "."+s.host))
	if !inScope {
		return false
	}
	return s.blacklist == nil || !s.blacklist.MatchString(raw)
}
