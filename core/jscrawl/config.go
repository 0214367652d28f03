package jscrawl

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config tunes the crawl. The defaults are empirical; they are exposed so
// they can be adjusted per target rather than re-derived.
type Config struct {
	// EventTypes is the allow-list of events dispatched.
	EventTypes []string
	// EqualRatio is the DOM bones similarity above which the page restored
	// after a navigation counts as the page the listeners were read from.
	EqualRatio float64
	// MaxDispatchErrors stops the run once this many dispatches failed.
	MaxDispatchErrors int

	// WaitForLoadTimeout bounds the wait for a page a dispatch navigated to.
	WaitForLoadTimeout time.Duration
	// PageLoadTimeout bounds the wait after navigating back in history.
	PageLoadTimeout time.Duration
	// NavigationStartedTimeout is how long to look for a navigation after
	// each dispatch.
	NavigationStartedTimeout time.Duration
	// SettleTimeout gives the last dispatched handler time to finish.
	SettleTimeout time.Duration

	// MaxPageReload caps history navigations in one run.
	MaxPageReload int
	// MaxInitialStates caps passes over the page.
	MaxInitialStates int
	// MaxSimilarDispatch skips a listener once this many similar ones were
	// dispatched anywhere in the session.
	MaxSimilarDispatch int
	BonesCacheSize     int

	// OnNavigation is called with every URL a dispatch navigated to.
	OnNavigation func(url string)
	Logger       *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		EventTypes:               []string{"click", "dblclick"},
		EqualRatio:               0.9,
		MaxDispatchErrors:        10,
		WaitForLoadTimeout:       2 * time.Second,
		PageLoadTimeout:          10 * time.Second,
		NavigationStartedTimeout: 500 * time.Millisecond,
		SettleTimeout:            500 * time.Millisecond,
		MaxPageReload:            50,
		MaxInitialStates:         3,
		MaxSimilarDispatch:       5,
		BonesCacheSize:           128,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.EventTypes) == 0 {
		c.EventTypes = d.EventTypes
	}
	if c.EqualRatio <= 0 || c.EqualRatio > 1 {
		c.EqualRatio = d.EqualRatio
	}
	if c.MaxDispatchErrors <= 0 {
		c.MaxDispatchErrors = d.MaxDispatchErrors
	}
	if c.WaitForLoadTimeout <= 0 {
		c.WaitForLoadTimeout = d.WaitForLoadTimeout
	}
	if c.PageLoadTimeout <= 0 {
		c.PageLoadTimeout = d.PageLoadTimeout
	}
	if c.NavigationStartedTimeout <= 0 {
		c.NavigationStartedTimeout = d.NavigationStartedTimeout
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.MaxPageReload <= 0 {
		c.MaxPageReload = d.MaxPageReload
	}
	if c.MaxInitialStates <= 0 {
		c.MaxInitialStates = d.MaxInitialStates
	}
	if c.MaxSimilarDispatch <= 0 {
		c.MaxSimilarDispatch = d.MaxSimilarDispatch
	}
	if c.BonesCacheSize <= 0 {
		c.BonesCacheSize = d.BonesCacheSize
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}
