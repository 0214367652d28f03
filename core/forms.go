package core

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type FormField struct {
	Name  string
	Value string
}

// FoundRequest is a request the page would send, read from its markup.
type FoundRequest struct {
	Method      string
	URL         string
	Body        string
	ContentType string
}

// ExtractFormRequest builds the request a form submits with its current
// field values. GET forms carry the values in the query.
func ExtractFormRequest(sel *goquery.Selection, base *url.URL) (FoundRequest, bool) {
	if sel == nil || sel.Length() == 0 {
		return FoundRequest{}, false
	}
	action, _ := sel.Attr("action")
	return buildFormRequest(action, sel.AttrOr("method", http.MethodGet), extractFormFields(sel), base)
}

func buildFormRequest(action, method string, fields []FormField, base *url.URL) (FoundRequest, bool) {
	resolved := strings.TrimSpace(action)
	if resolved == "" && base != nil {
		resolved = base.String()
	}
	if base != nil {
		u, err := url.Parse(resolved)
		if err != nil {
			return FoundRequest{}, false
		}
		resolved = base.ResolveReference(u).String()
	}
	if resolved == "" {
		return FoundRequest{}, false
	}

	req := FoundRequest{Method: strings.ToUpper(strings.TrimSpace(method)), URL: resolved}
	switch req.Method {
	case http.MethodGet, http.MethodPost:
	case "DIALOG":
		return FoundRequest{}, false
	default:
		// Browsers submit unknown methods as GET.
		req.Method = http.MethodGet
	}

	values := url.Values{}
	for _, field := range fields {
		if field.Name != "" {
			values.Add(field.Name, field.Value)
		}
	}
	if len(values) == 0 {
		return req, true
	}

	encoded := values.Encode()
	if req.Method == http.MethodGet {
		u, err := url.Parse(resolved)
		if err != nil {
			return FoundRequest{}, false
		}
		// A GET submission replaces the action's query.
		u.RawQuery = encoded
		u.Fragment = ""
		req.URL = u.String()
		return req, true
	}
	req.Body = encoded
	req.ContentType = "application/x-www-form-urlencoded"
	return req, true
}

func extractFormFields(sel *goquery.Selection) []FormField {
	var fields []FormField

	sel.Find("input").Each(func(_ int, s *goquery.Selection) {
		name, exists := s.Attr("name")
		if !exists {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}
		value := s.AttrOr("value", "")
		switch strings.ToLower(s.AttrOr("type", "")) {
		case "checkbox", "radio":
			if _, ok := s.Attr("checked"); !ok {
				return
			}
			if value == "" {
				value = "on"
			}
		case "submit", "button", "image", "reset", "file":
			return
		}
		fields = append(fields, FormField{Name: name, Value: value})
	})

	sel.Find("textarea").Each(func(_ int, s *goquery.Selection) {
		if name, exists := s.Attr("name"); exists {
			fields = append(fields, FormField{Name: name, Value: strings.TrimSpace(s.Text())})
		}
	})

	sel.Find("select").Each(func(_ int, s *goquery.Selection) {
		name, exists := s.Attr("name")
		if !exists {
			return
		}
		value := ""
		s.Find("option").EachWithBreak(func(i int, opt *goquery.Selection) bool {
			v := opt.AttrOr("value", strings.TrimSpace(opt.Text()))
			if _, selected := opt.Attr("selected"); selected {
				value = v
				return false
			}
			if i == 0 {
				value = v
			}
			return true
		})
		fields = append(fields, FormField{Name: name, Value: value})
	})

	return fields
}
