package proxy

import (
	"net/http"
	"strings"
)

const acceptLanguage = "en-GB,en-US;q=0.9,en;q=0.8"

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers that would stop the browser from talking plain HTTP to us or from
// running the instrumentation we inject.
var strippedResponseHeaders = []string{
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Upgrade-Insecure-Requests",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// mangleRequest hides the headless marker and pins headers that would
// otherwise make responses vary between runs.
func mangleRequest(h http.Header) {
	if ua := h.Get("User-Agent"); ua != "" {
		h.Set("User-Agent", strings.ReplaceAll(ua, "HeadlessChrome/", "Chrome/"))
	}
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Accept-Encoding", "identity")
}

func mangleResponse(h http.Header) {
	for _, name := range strippedResponseHeaders {
		h.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
