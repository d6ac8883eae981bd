// Command attribution drives the SDK engine from a terminal, standing in for
// a host app: it sends lifecycle signals and track calls to a collector and
// inspects the on-device state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"attribution/config"
	"attribution/engine"
	"attribution/logging"
	"attribution/metrics"
	"attribution/storage"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const usage = `usage: attribution [flags] <command> [args]

commands:
  launch [url]                      cold start, optionally from a link
  resume [url]                      start, then resume (url replaces the current one)
  intent <url>                      start, then deliver a new intent
  track <event> [shortlink] [k=v]   send a custom event
  install <shortlink> [referrer]    fetch install data and send app_install
  failed list|flush|clear           inspect or drain the failed-event queue
  reset                             mark the next start as a first install
  info                              print device and install state

flags:
`

type options struct {
	envFile  string
	store    string
	backend  string
	referrer string
	timeout  time.Duration
	stats    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.envFile, "env", ".env", "environment file with INHOUSE_* settings")
	flag.StringVar(&opts.store, "store", "attribution-state", "state location: a bolt file or a directory for the file backend")
	flag.StringVar(&opts.backend, "backend", "bolt", "state backend: bolt or file")
	flag.StringVar(&opts.referrer, "referrer", "", "install referrer reported by the platform")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "limit for draining the failed queue")
	flag.BoolVar(&opts.stats, "stats", false, "print delivery counters before exiting")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(opts, flag.Arg(0), flag.Args()[1:]); err != nil {
		fail(err)
		os.Exit(1)
	}
}

func openStore(opts options, log *zap.Logger) (*storage.Store, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch opts.backend {
	case "bolt":
		backend, err = storage.OpenBolt(opts.store, storage.Namespace)
	case "file":
		backend, err = storage.OpenFile(opts.store, storage.Namespace, log)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidArgument, opts.backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.backend, err)
	}
	return storage.New(backend, log), nil
}

func run(opts options, cmd string, args []string) error {
	switch cmd {
	case "launch", "resume", "intent", "track", "install", "reset", "info":
	case "failed":
		if len(args) == 0 || (args[0] != "list" && args[0] != "flush" && args[0] != "clear") {
			return fmt.Errorf("%w: failed takes list, flush or clear", config.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", config.ErrInvalidArgument, cmd)
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{
		Debug:       cfg.EnableDebugLogging,
		Service:     "attribution-cli",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	store, err := openStore(opts, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// Store-only commands never start the engine.
	switch cmd {
	case "info":
		printInfo(store)
		return nil
	case "reset":
		if err := store.ResetFirstInstall(); err != nil {
			return err
		}
		success("next start runs first-install correlation")
		return nil
	case "failed":
		if len(args) > 0 && args[0] == "list" {
			return printFailed(store.FailedEvents())
		}
		if len(args) > 0 && args[0] == "clear" {
			n := len(store.FailedEvents())
			if err := store.ClearFailedEvents(); err != nil {
				return err
			}
			success(fmt.Sprintf("cleared %d failed events", n))
			return nil
		}
	}

	reg := prometheus.NewRegistry()
	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(metrics.NewPipeline(reg)),
	}
	if opts.referrer != "" {
		engineOpts = append(engineOpts, engine.WithReferrerSource(engine.StaticReferrer(opts.referrer)))
	}
	e := engine.New(store, engineOpts...)

	launchURL := ""
	if cmd == "launch" && len(args) > 0 {
		launchURL = args[0]
	}
	if err := e.Initialize(cfg, printCallback, launchURL); err != nil {
		return err
	}

	if err := dispatch(e, opts, cmd, args); err != nil {
		e.Wait()
		return err
	}
	e.Wait()

	if opts.stats {
		return printStats(reg)
	}
	return nil
}

func dispatch(e *engine.Engine, opts options, cmd string, args []string) error {
	switch cmd {
	case "launch":
		return nil
	case "resume":
		url := ""
		if len(args) > 0 {
			url = args[0]
		}
		return e.OnSignal(engine.SignalResume, url)
	case "intent":
		if len(args) == 0 {
			return fmt.Errorf("%w: intent needs a url", config.ErrInvalidArgument)
		}
		return e.OnNewIntent(args[0])
	case "track":
		if len(args) == 0 {
			return fmt.Errorf("%w: track needs an event type", config.ErrInvalidArgument)
		}
		shortLink, extra, err := parseTrackArgs(args[1:])
		if err != nil {
			return err
		}
		return e.TrackCustomEvent(args[0], shortLink, extra, printResponse(args[0]))
	case "install":
		if len(args) == 0 {
			return fmt.Errorf("%w: install needs a shortlink", config.ErrInvalidArgument)
		}
		referrer := ""
		if len(args) > 1 {
			referrer = args[1]
		}
		return e.TrackAppInstall(args[0], referrer, printResponse("app_install"))
	case "failed":
		if len(args) == 0 || args[0] != "flush" {
			return fmt.Errorf("%w: failed takes list, flush or clear", config.ErrInvalidArgument)
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		queued := len(e.FailedEvents())
		sent, err := e.RetryFailedEvents(ctx)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		success(fmt.Sprintf("delivered %d of %d failed events", sent, queued))
		return err
	}
	return fmt.Errorf("%w: unknown command %q", config.ErrInvalidArgument, cmd)
}

// parseTrackArgs takes an optional leading shortlink followed by key=value
// pairs.
func parseTrackArgs(args []string) (string, map[string]string, error) {
	shortLink := ""
	if len(args) > 0 && (strings.Contains(args[0], "://") || !strings.Contains(args[0], "=")) {
		shortLink, args = args[0], args[1:]
	}
	extra := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, found := strings.Cut(arg, "=")
		if !found || k == "" {
			return "", nil, fmt.Errorf("%w: expected key=value, got %q", config.ErrInvalidArgument, arg)
		}
		extra[k] = v
	}
	return shortLink, extra, nil
}
