package chrome

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
)

// Source tells where a listener was found.
type Source string

const (
	// SourceJS listeners were registered with addEventListener.
	SourceJS Source = "js"
	// SourceHTML listeners are inline on* attributes or properties.
	SourceHTML Source = "html"
)

// EventListener is one dispatchable event on the page.
type EventListener struct {
	Source      Source `json:"source"`
	EventType   string `json:"eventType"`
	Selector    string `json:"selector"`
	TagName     string `json:"tagName"`
	NodeType    int    `json:"nodeType"`
	UseCapture  bool   `json:"useCapture,omitempty"`
	Handler     string `json:"handler,omitempty"`
	TextContent string `json:"textContent,omitempty"`
}

// ListenerKey identifies a listener within one page.
type ListenerKey struct {
	EventType string
	Selector  string
}

func (l EventListener) Key() ListenerKey {
	return ListenerKey{EventType: l.EventType, Selector: l.Selector}
}

// EventListeners enumerates listeners registered through the DOM API and
// inline handlers, keeping the browser's order and dropping duplicate
// (event type, selector) pairs. Empty filters match everything.
func (b *Browser) EventListeners(ctx context.Context, eventFilter, tagFilter []string) ([]EventListener, error) {
	seen := make(map[ListenerKey]struct{})
	var out []EventListener
	for _, src := range []struct {
		method string
		source Source
	}{
		{"getEventListeners", SourceJS},
		{"getElementsWithEventHandlers", SourceHTML},
	} {
		found, err := b.paginate(ctx, src.method, eventFilter, tagFilter)
		if err != nil {
			return nil, err
		}
		for _, l := range found {
			l.Source = src.source
			if _, dup := seen[l.Key()]; dup {
				continue
			}
			seen[l.Key()] = struct{}{}
			out = append(out, l)
		}
	}
	return out, nil
}

// paginate reads a listener source page by page; one large answer could
// exceed what the socket safely carries.
func (b *Browser) paginate(ctx context.Context, method string, eventFilter, tagFilter []string) ([]EventListener, error) {
	size := b.opts.ListenerPageSize
	var all []EventListener
	for page := 0; page < b.opts.MaxListenerPages; page++ {
		expr, err := analyzerCall(method, nonNil(eventFilter), nonNil(tagFilter), page*size, size)
		if err != nil {
			return nil, err
		}
		res, err := b.JSVariableValue(ctx, expr)
		if err != nil {
			return nil, err
		}
		if res.Type != gjson.String {
			break
		}
		var batch []EventListener
		if err := json.Unmarshal([]byte(res.String()), &batch); err != nil {
			return nil, fmt.Errorf("decode %s page %d: %w", method, page, err)
		}
		all = append(all, batch...)
		if len(batch) < size {
			break
		}
	}
	return all, nil
}
