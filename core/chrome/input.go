package chrome

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jaeles-project/chromespider/core/frames"
)

type key struct {
	name string
	code int
	text string
}

var (
	keyEnter = key{name: "Enter", code: 13, text: "\r"}
	keyTab   = key{name: "Tab", code: 9}
)

// Focus moves focus to the element matching selector.
func (b *Browser) Focus(ctx context.Context, selector string) error {
	expr, err := analyzerCall("focus", selector)
	if err != nil {
		return err
	}
	res, err := b.JSVariableValue(ctx, expr)
	if err != nil {
		return err
	}
	if !res.Bool() {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

// TypeText inserts text into the focused element.
func (b *Browser) TypeText(ctx context.Context, text string) error {
	return proto.InputInsertText{Text: text}.Call(b.session(ctx))
}

// PressEnterKey may submit a form, so the page is forced to MIGHT-NAVIGATE.
func (b *Browser) PressEnterKey(ctx context.Context) error {
	b.state.Force(frames.StateMightNavigate, b.opts.MightNavigateTimeout, frames.StateLoaded)
	return b.press(ctx, keyEnter)
}

func (b *Browser) PressTabKey(ctx context.Context) error {
	return b.press(ctx, keyTab)
}

func (b *Browser) press(ctx context.Context, k key) error {
	s := b.session(ctx)
	down := proto.InputDispatchKeyEvent{
		Type:                  proto.InputDispatchKeyEventTypeKeyDown,
		Key:                   k.name,
		Code:                  k.name,
		Text:                  k.text,
		WindowsVirtualKeyCode: k.code,
		NativeVirtualKeyCode:  k.code,
	}
	if err := down.Call(s); err != nil {
		return fmt.Errorf("key down %s: %w", k.name, err)
	}
	up := down
	up.Type = proto.InputDispatchKeyEventTypeKeyUp
	up.Text = ""
	if err := up.Call(s); err != nil {
		return fmt.Errorf("key up %s: %w", k.name, err)
	}
	return nil
}
