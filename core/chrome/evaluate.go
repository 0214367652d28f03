package chrome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jaeles-project/chromespider/core/devtools"
	"github.com/jaeles-project/chromespider/core/frames"
)

type evaluateParams struct {
	Expression    string  `json:"expression"`
	ReturnByValue bool    `json:"returnByValue"`
	AwaitPromise  bool    `json:"awaitPromise"`
	Timeout       float64 `json:"timeout,omitempty"`
}

// evaluate runs expression in the page. A missing result, including one
// that threw, comes back as a non-existent gjson.Result.
func (b *Browser) evaluate(ctx context.Context, expression string, timeout time.Duration) (gjson.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	raw, err := b.client.Call(callCtx, "", "Runtime.evaluate", evaluateParams{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
		Timeout:       float64(timeout / time.Millisecond),
	})
	if err != nil {
		return gjson.Result{}, err
	}
	if gjson.GetBytes(raw, "exceptionDetails").Exists() {
		b.logger().Debugf("expression threw: %s", gjson.GetBytes(raw, "exceptionDetails.text").String())
		return gjson.Result{}, nil
	}
	return gjson.GetBytes(raw, "result.value"), nil
}

// JSVariableValue evaluates expr and returns its value. Protocol errors and
// timeouts yield an empty result: a page mid-navigation has no usable
// context and that is expected. A lost connection is returned.
func (b *Browser) JSVariableValue(ctx context.Context, expr string) (gjson.Result, error) {
	res, err := b.evaluate(ctx, expr, b.opts.EvaluateTimeout)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, devtools.ErrProtocol), errors.Is(err, devtools.ErrProtocolTimeout):
		b.logger().WithError(err).Debugf("no value for %.60s", expr)
		return gjson.Result{}, nil
	}
	return gjson.Result{}, err
}

// DOM returns the serialized document. An empty string means the DOM could
// not be read right now.
func (b *Browser) DOM(ctx context.Context) (string, error) {
	res, err := b.JSVariableValue(ctx, "document.documentElement ? document.documentElement.outerHTML : null")
	if err != nil {
		return "", err
	}
	if res.Type != gjson.String {
		return "", nil
	}
	return res.String(), nil
}

// URL is the document's current location.
func (b *Browser) URL(ctx context.Context) (string, error) {
	res, err := b.JSVariableValue(ctx, "window.location.href")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// DispatchJSEvent fires eventType on the element matching selector (or the
// !window / !document sentinels). The page is forced to MIGHT-NAVIGATE for
// a short while because the handler may navigate.
func (b *Browser) DispatchJSEvent(ctx context.Context, selector, eventType string) error {
	if !ValidEventType(eventType) {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}
	expr, err := analyzerCall("dispatchCustomEvent", selector, eventType)
	if err != nil {
		return err
	}

	b.state.Force(frames.StateMightNavigate, b.opts.MightNavigateTimeout, frames.StateLoaded)
	b.logger().Debugf("dispatching %s on %s", eventType, selector)

	res, err := b.evaluate(ctx, expr, b.opts.EvaluateTimeout)
	switch {
	case errors.Is(err, devtools.ErrProtocolTimeout):
		return fmt.Errorf("%w: %s on %s", ErrEventDispatchTimeout, eventType, selector)
	case errors.Is(err, devtools.ErrProtocol):
		// Typically the execution context went away under a navigation.
		return fmt.Errorf("%w: %s on %s: %v", ErrEventDispatchFailed, eventType, selector, err)
	case err != nil:
		return err
	case !res.Exists() || res.Type == gjson.Null:
		return fmt.Errorf("%w: %s on %s", ErrEventDispatchTimeout, eventType, selector)
	case !res.Bool():
		return fmt.Errorf("%w: %s on %s", ErrEventDispatchFailed, eventType, selector)
	}
	return nil
}
