package chrome

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed js/dom_analyzer.js
var domAnalyzerSource string

var eventTypeRe = regexp.MustCompile(`^[a-zA-Z.]+$`)

// ValidEventType reports whether t is safe to use as an event name.
func ValidEventType(t string) bool {
	return eventTypeRe.MatchString(t)
}

// analyzerCall builds an expression invoking a _DOMAnalyzer method. Every
// argument is JSON encoded, which is also valid JavaScript, so page supplied
// strings such as selectors cannot escape their literal. The expression
// evaluates to null when the analyzer is not installed.
func analyzerCall(method string, args ...interface{}) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode argument %d of %s: %w", i, method, err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf("(window._DOMAnalyzer ? window._DOMAnalyzer.%s(%s) : null)",
		method, strings.Join(encoded, ", ")), nil
}

// nonNil keeps filters encoding as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
