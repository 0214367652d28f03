package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Loader struct {
	cmd *cobra.Command
}

func NewLoader(cmd *cobra.Command) Loader {
	return Loader{cmd: cmd}
}

// Load reads the flags registered by RegisterFlags. Values <= 0 fall back
// to defaults.
func (l Loader) Load() (CrawlerConfig, RuntimeOptions, error) {
	flags := l.cmd.Flags()
	var cfg CrawlerConfig
	var runtime RuntimeOptions

	getBool := func(name string) (bool, error) {
		v, err := flags.GetBool(name)
		if err != nil {
			return false, fmt.Errorf("get bool %s: %w", name, err)
		}
		return v, nil
	}
	getInt := func(name string) (int, error) {
		v, err := flags.GetInt(name)
		if err != nil {
			return 0, fmt.Errorf("get int %s: %w", name, err)
		}
		return v, nil
	}
	getString := func(name string) (string, error) {
		v, err := flags.GetString(name)
		if err != nil {
			return "", fmt.Errorf("get string %s: %w", name, err)
		}
		return v, nil
	}
	getFloat := func(name string) (float64, error) {
		v, err := flags.GetFloat64(name)
		if err != nil {
			return 0, fmt.Errorf("get float %s: %w", name, err)
		}
		return v, nil
	}
	getPath := func(name string) (string, error) {
		v, err := getString(name)
		if err != nil || strings.TrimSpace(v) == "" {
			return "", err
		}
		expanded, err := homedir.Expand(strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("expand %s: %w", name, err)
		}
		return expanded, nil
	}

	var err error

	if cfg.Quiet, err = getBool("quiet"); err != nil {
		return cfg, runtime, err
	}
	if cfg.JSONOutput, err = getBool("json"); err != nil {
		return cfg, runtime, err
	}
	if cfg.Length, err = getBool("length"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxDepth, err = getInt("depth"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxPages, err = getInt("max-pages"); err != nil {
		return cfg, runtime, err
	}
	if cfg.Subs, err = getBool("subs"); err != nil {
		return cfg, runtime, err
	}
	if cfg.Blacklist, err = getString("blacklist"); err != nil {
		return cfg, runtime, err
	}
	if cfg.OutputDir, err = getPath("output"); err != nil {
		return cfg, runtime, err
	}
	if cfg.ParseRatio, err = getFloat("parse-ratio"); err != nil {
		return cfg, runtime, err
	}
	if cfg.ParseRatio <= 0 {
		cfg.ParseRatio = 0.1
	}
	if cfg.DomDedup, err = getBool("dom-dedup"); err != nil {
		return cfg, runtime, err
	}
	if cfg.DomDedupThresh, err = getInt("dom-dedup-threshold"); err != nil {
		return cfg, runtime, err
	}
	if cfg.DomDedupThresh <= 0 {
		cfg.DomDedupThresh = 6
	}

	if cfg.ChromeBin, err = getPath("chrome"); err != nil {
		return cfg, runtime, err
	}
	if cfg.Headless, err = getBool("headless"); err != nil {
		return cfg, runtime, err
	}
	if cfg.ChromeFlags, err = flags.GetStringArray("chrome-flag"); err != nil {
		return cfg, runtime, fmt.Errorf("get chrome-flag: %w", err)
	}
	if cfg.Proxy, err = getString("proxy"); err != nil {
		return cfg, runtime, err
	}
	if cfg.StartupTimeout, err = durationFromFlags(flags, "startup-timeout", time.Second); err != nil {
		return cfg, runtime, err
	}
	if cfg.ProtocolTimeout, err = durationFromFlags(flags, "protocol-timeout", time.Second); err != nil {
		return cfg, runtime, err
	}
	if cfg.EvaluateTimeout, err = durationFromFlags(flags, "evaluate-timeout", time.Second); err != nil {
		return cfg, runtime, err
	}
	if cfg.ConsoleSize, err = getInt("console-size"); err != nil {
		return cfg, runtime, err
	}
	if cfg.ListenerPage, err = getInt("listener-page-size"); err != nil {
		return cfg, runtime, err
	}

	if cfg.PoolSize, err = getInt("pool-size"); err != nil {
		return cfg, runtime, err
	}
	if cfg.PoolMinSize, err = getInt("pool-min-size"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxTasks, err = getInt("max-tasks"); err != nil {
		return cfg, runtime, err
	}
	if cfg.PoolGetTimeout, err = durationFromFlags(flags, "pool-timeout", time.Second); err != nil {
		return cfg, runtime, err
	}
	if cfg.PoolLogEvery, err = getInt("pool-log-every"); err != nil {
		return cfg, runtime, err
	}

	if cfg.EventTypes, err = flags.GetStringSlice("events"); err != nil {
		return cfg, runtime, fmt.Errorf("get events: %w", err)
	}
	if cfg.EqualRatio, err = getFloat("equal-ratio"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxDispatchErrors, err = getInt("max-dispatch-errors"); err != nil {
		return cfg, runtime, err
	}
	if cfg.WaitForLoadTimeout, err = durationFromFlags(flags, "wait-for-load", time.Millisecond); err != nil {
		return cfg, runtime, err
	}
	if cfg.PageLoadTimeout, err = durationFromFlags(flags, "page-load-timeout", time.Second); err != nil {
		return cfg, runtime, err
	}
	if cfg.MightNavigateTimeout, err = durationFromFlags(flags, "might-navigate", time.Millisecond); err != nil {
		return cfg, runtime, err
	}
	if cfg.NavigationStartedTimeout, err = durationFromFlags(flags, "navigation-started", time.Millisecond); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxPageReload, err = getInt("max-page-reload"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxInitialStates, err = getInt("max-initial-states"); err != nil {
		return cfg, runtime, err
	}
	if cfg.MaxSimilarDispatch, err = getInt("max-similar-dispatch"); err != nil {
		return cfg, runtime, err
	}

	if runtime.Threads, err = getInt("threads"); err != nil {
		return cfg, runtime, err
	}
	if runtime.Threads <= 0 {
		runtime.Threads = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.Threads
	}
	if runtime.Sites, err = getPath("sites"); err != nil {
		return cfg, runtime, err
	}
	if runtime.MetricsAddr, err = getString("metrics-addr"); err != nil {
		return cfg, runtime, err
	}

	return cfg, runtime, nil
}

// RegisterFlags declares every flag Load reads.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP("site", "s", "", "Site to crawl")
	flags.StringP("sites", "S", "", "Site list to crawl")
	flags.StringP("proxy", "p", "", "Upstream proxy for the browsers (Ex: http://127.0.0.1:8080)")
	flags.StringP("output", "o", "", "Output folder")
	flags.StringP("blacklist", "", "", "Blacklist URL Regex")
	flags.Bool("subs", false, "Include subdomains")

	flags.IntP("threads", "t", 1, "Number of pages rendered in parallel")
	flags.IntP("depth", "d", 1, "Link depth to follow from each site (0 for infinite)")
	flags.Int("max-pages", 200, "Maximum pages rendered per run (0 = unlimited)")
	flags.Float64("parse-ratio", 0.1, "Parse the rendered DOM when its size differs from the response body by more than this ratio")
	flags.Bool("dom-dedup", false, "Skip the event crawl of near-duplicate DOMs")
	flags.Int("dom-dedup-threshold", 6, "Hamming threshold for DOM dedup")

	flags.String("chrome", "", "Chromium binary (default: ROD_BROWSER, PATH, or download)")
	flags.Bool("headless", true, "Run Chromium headless")
	flags.StringArray("chrome-flag", []string{}, "Extra Chromium switch, name or name=value (repeatable)")
	flags.Int("startup-timeout", 30, "Browser startup timeout in seconds")
	flags.Int("protocol-timeout", 20, "Devtools command timeout in seconds")
	flags.Int("evaluate-timeout", 5, "In-page evaluation timeout in seconds")
	flags.Int("console-size", 500, "Console messages kept per browser")
	flags.Int("listener-page-size", 25, "Event listeners fetched per round trip")

	flags.Int("pool-size", 0, "Maximum browser processes (default: threads)")
	flags.Int("pool-min-size", 0, "Browser processes started up front")
	flags.Int("max-tasks", 20, "Pages a browser renders before it is recycled")
	flags.Int("pool-timeout", 30, "Seconds to wait for a free browser")
	flags.Int("pool-log-every", 10, "Log pool statistics every N acquisitions")

	flags.StringSlice("events", []string{"click", "dblclick"}, "Event types to dispatch")
	flags.Float64("equal-ratio", 0.9, "DOM similarity needed to keep dispatching after going back")
	flags.Int("max-dispatch-errors", 10, "Failed dispatches before a page is abandoned")
	flags.Int("wait-for-load", 2000, "Wait for a page a dispatch navigated to, in milliseconds")
	flags.Int("page-load-timeout", 10, "Page load timeout in seconds")
	flags.Int("might-navigate", 1000, "How long a dispatch may still start a navigation, in milliseconds")
	flags.Int("navigation-started", 500, "How long to look for a navigation after a dispatch, in milliseconds")
	flags.Int("max-page-reload", 50, "History navigations allowed per page")
	flags.Int("max-initial-states", 3, "Passes over a page")
	flags.Int("max-similar-dispatch", 5, "Similar listeners dispatched across the run")

	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (Ex: 127.0.0.1:9090)")
	flags.BoolP("debug", "", false, "Turn on debug mode")
	flags.BoolP("json", "", false, "Enable JSON output")
	flags.BoolP("verbose", "v", false, "Turn on verbose")
	flags.BoolP("quiet", "q", false, "Suppress all the output and only show URL")
	flags.BoolP("length", "l", false, "Turn on length")
	flags.BoolP("version", "", false, "Check version")

	flags.SortFlags = false
}

func durationFromFlags(flags *pflag.FlagSet, name string, unit time.Duration) (time.Duration, error) {
	v, err := flags.GetInt(name)
	if err != nil {
		return 0, fmt.Errorf("get int %s: %w", name, err)
	}
	return time.Duration(v) * unit, nil
}
