package config

import (
	"time"

	"github.com/jaeles-project/chromespider/internal/registry"
)

// CrawlerConfig is everything the rendering engine needs.
type CrawlerConfig struct {
	Registry   *registry.URLRegistry
	Quiet      bool
	JSONOutput bool
	Length     bool
	MaxDepth   int
	MaxPages   int
	Subs       bool
	Blacklist  string
	OutputDir  string
	// ParseRatio: the rendered DOM is parsed instead of the raw response
	// when their sizes differ by more than this fraction.
	ParseRatio     float64
	DomDedup       bool
	DomDedupThresh int

	// Browser.
	ChromeBin       string
	Headless        bool
	ChromeFlags     []string
	Proxy           string
	StartupTimeout  time.Duration
	ProtocolTimeout time.Duration
	EvaluateTimeout time.Duration
	ConsoleSize     int
	ListenerPage    int

	// Pool.
	PoolSize       int
	PoolMinSize    int
	MaxTasks       int
	PoolGetTimeout time.Duration
	PoolLogEvery   int

	// Event crawl.
	EventTypes               []string
	EqualRatio               float64
	MaxDispatchErrors        int
	WaitForLoadTimeout       time.Duration
	PageLoadTimeout          time.Duration
	MightNavigateTimeout     time.Duration
	NavigationStartedTimeout time.Duration
	MaxPageReload            int
	MaxInitialStates         int
	MaxSimilarDispatch       int
}

type RuntimeOptions struct {
	Threads     int
	Sites       string
	MetricsAddr string
}
