package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaeles-project/chromespider/core"
	"github.com/jaeles-project/chromespider/core/chrome"
	"github.com/jaeles-project/chromespider/core/pool"
	"github.com/jaeles-project/chromespider/internal/config"
	"github.com/jaeles-project/chromespider/internal/logging"
	"github.com/jaeles-project/chromespider/internal/registry"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     core.CLIName,
		Short:   "Headless Chromium spider",
		Long:    fmt.Sprintf("Spider that renders pages in Chromium and clicks through their event listeners - %s by %s", core.VERSION, core.AUTHOR),
		Example: renderExamples(),
		RunE:    runRoot,
	}
	config.RegisterFlags(cmd.Flags())
	cmd.SilenceUsage = true
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	if showVersion, err := cmd.Flags().GetBool("version"); err == nil && showVersion {
		fmt.Printf("Version: %s\n", core.VERSION)
		fmt.Println(renderExamples())
		return nil
	}

	debug, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	quiet, err := cmd.Flags().GetBool("quiet")
	if err != nil {
		return err
	}
	logging.Configure(core.Logger, logging.Options{Debug: debug, Verbose: verbose, Quiet: quiet})
	log := logrus.NewEntry(core.Logger)

	cfg, runtime, err := config.NewLoader(cmd).Load()
	if err != nil {
		return err
	}
	cfg.Registry = registry.NewURLRegistry()

	site, err := cmd.Flags().GetString("site")
	if err != nil {
		return err
	}
	targets := core.GatherTargets(strings.TrimSpace(site), runtime.Sites, os.Stdin)
	if len(targets) == 0 {
		core.Logger.Info("No site in list. Please check your site input again")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runtime.MetricsAddr != "" {
		srv := serveMetrics(runtime.MetricsAddr, log)
		defer srv.Close()
	}

	opts, err := browserOptions(ctx, cfg, log)
	if err != nil {
		return err
	}
	browsers := pool.New(pool.Config{
		MaxSize:    cfg.PoolSize,
		MinSize:    cfg.PoolMinSize,
		MaxTasks:   cfg.MaxTasks,
		GetTimeout: cfg.PoolGetTimeout,
		LogEvery:   cfg.PoolLogEvery,
		Logger:     log,
	}, func(ctx context.Context) (*chrome.Browser, error) {
		return chrome.Launch(ctx, opts)
	})
	if err := browsers.Warm(ctx); err != nil {
		browsers.Terminate()
		return err
	}

	var file *core.Output
	if cfg.OutputDir != "" {
		file, err = core.NewOutput(cfg.OutputDir, "chromespider.txt")
		if err != nil {
			browsers.Terminate()
			return err
		}
		defer file.Close()
	}
	emitter := core.NewEmitter(os.Stdout, file, cfg.Registry, cfg.JSONOutput, cfg.Quiet, cfg.Length)

	engine, err := core.NewEngine(cfg, core.PoolInstances(browsers), emitter, log)
	if err != nil {
		browsers.Terminate()
		return err
	}
	err = engine.Run(ctx, targets, runtime.Threads)
	if ctx.Err() != nil {
		core.Logger.Info("Interrupt signal received, shutting down...")
	}
	engine.Shutdown()
	return err
}

func browserOptions(ctx context.Context, cfg config.CrawlerConfig, log *logrus.Entry) (chrome.Options, error) {
	opts := chrome.DefaultOptions()
	opts.Headless = cfg.Headless
	opts.Flags = cfg.ChromeFlags
	opts.StartupTimeout = cfg.StartupTimeout
	opts.ProtocolTimeout = cfg.ProtocolTimeout
	opts.EvaluateTimeout = cfg.EvaluateTimeout
	opts.LoadForceTimeout = cfg.PageLoadTimeout
	opts.MightNavigateTimeout = cfg.MightNavigateTimeout
	opts.ListenerPageSize = cfg.ListenerPage
	opts.ConsoleSize = cfg.ConsoleSize
	opts.Logger = log

	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil || u.Host == "" {
			return opts, fmt.Errorf("invalid proxy %q", cfg.Proxy)
		}
		opts.Upstream = u
	}

	// Resolved once so parallel launches do not race to download it.
	bin, err := chrome.ResolveBinary(ctx, cfg.ChromeBin, log)
	if err != nil {
		return opts, err
	}
	opts.Bin = bin
	return opts, nil
}

func serveMetrics(addr string, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("metrics server on %s stopped", addr)
		}
	}()
	log.Infof("serving metrics on http://%s/metrics", addr)
	return srv
}

func renderExamples() string {
	h := "Examples Command:\n"
	h += `chromespider -q -s "https://target.com/"` + "\n"
	h += `chromespider -s "https://target.com/" -o output -t 4 -d 2` + "\n"
	h += `chromespider -s "https://target.com/" --events click,dblclick,submit --max-tasks 10` + "\n"
	h += `chromespider -s "https://target.com/" -p http://127.0.0.1:8080 --json --metrics-addr 127.0.0.1:9090` + "\n"
	h += `cat urls.txt | chromespider -o output -t 4 --pool-size 4`
	return h
}
