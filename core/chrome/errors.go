package chrome

import "errors"

var (
	// ErrEventDispatchTimeout means the in-page dispatch did not answer in time.
	ErrEventDispatchTimeout = errors.New("chrome: event dispatch timed out")
	// ErrEventDispatchFailed means the target element is gone or hidden.
	ErrEventDispatchFailed = errors.New("chrome: event dispatch failed")
	// ErrInvalidEventType rejects event names that could break out of the
	// generated expression.
	ErrInvalidEventType = errors.New("chrome: invalid event type")
	// ErrBrowserStartup wraps every failure to bring a browser up.
	ErrBrowserStartup = errors.New("chrome: browser startup failed")
	// ErrElementNotFound is returned by input helpers.
	ErrElementNotFound = errors.New("chrome: element not found")
	// ErrNoProcess is returned for browsers this package did not launch.
	ErrNoProcess = errors.New("chrome: no browser process")
)
