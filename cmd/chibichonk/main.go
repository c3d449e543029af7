package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zorkian/chibichonk/internal/check"
	"github.com/zorkian/chibichonk/internal/config"
	"github.com/zorkian/chibichonk/internal/discord"
	"github.com/zorkian/chibichonk/internal/events"
	"github.com/zorkian/chibichonk/internal/health"
	"github.com/zorkian/chibichonk/internal/logging"
	"github.com/zorkian/chibichonk/internal/metrics"
	"github.com/zorkian/chibichonk/internal/monitor"
	"github.com/zorkian/chibichonk/internal/notify"
	"github.com/zorkian/chibichonk/internal/orchestrator"
	"github.com/zorkian/chibichonk/internal/transport"
	"github.com/zorkian/chibichonk/internal/transport/bambu"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "check":
		err = check.Run(ctx, os.Args[2:], check.Dependencies{})
	case "init":
		err = initConfig(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "chibichonk: Bambu Lab printer notifications for Discord")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  chibichonk run [--config config.yaml] [--debug]")
	fmt.Fprintln(w, "  chibichonk check [--config config.yaml] [--timeout 5s] [--skip-probe]")
	fmt.Fprintln(w, "  chibichonk init [--config config.yaml] [--force]")
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (default: $CHIBICHONK_CONFIG, $CONFIG_PATH or ./config.yaml)")
	debug := fs.Bool("debug", false, "Log every payload and delivery")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	verbose := *debug || cfg.Debug

	logger := logging.New()
	logger.Printf("chibichonk starting (%d printers)", len(cfg.Printers))

	metricsStore := metrics.NewStore()
	outboxCapacity := cfg.Delivery.OutboxCapacity
	if outboxCapacity <= 0 {
		outboxCapacity = notify.DefaultOutboxCapacity
	}
	healthChecker := health.NewChecker(metricsStore, health.Options{OutboxCapacity: outboxCapacity})
	recorder := events.NewMulti(
		metricsStore,
		healthChecker,
		events.LogRecorder{Logger: logger, Verbose: verbose},
	)

	webhook, err := discord.NewClient(
		discord.Config{
			Username:  cfg.Discord.Username,
			AvatarURL: cfg.Discord.AvatarURL,
		},
		discord.Dependencies{
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
			Logger:     logger,
		},
	)
	if err != nil {
		return fmt.Errorf("init discord client: %w", err)
	}

	dispatcher := notify.NewDispatcher(webhook, dispatcherOptions(cfg, outboxCapacity, logger, recorder, metricsStore)...)

	devices := devicesFromConfig(cfg)
	now := time.Now().UTC()
	for _, dev := range devices {
		metricsStore.RegisterDevice(dev.Name)
		healthChecker.RegisterPrinter(dev.Name, now)
	}

	tr := bambu.New(bambu.WithLogger(logger))
	orch := orchestrator.FromDevices(devices, tr, dispatcher, func(dev monitor.Device) []monitor.Option {
		return []monitor.Option{
			monitor.WithLogger(logging.ForDevice(logger, dev.Name)),
			monitor.WithEventRecorder(recorder),
		}
	}, orchestrator.WithLogger(logger))

	// Bind before any monitor starts so a bad listen address fails fast.
	var monitorLn net.Listener
	if addr := cfg.MetricsListen(); addr != "" {
		monitorLn, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		defer monitorLn.Close()
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, groupCtx := errgroup.WithContext(runCtx)

	// The dispatcher outlives the monitors so their last messages still drain.
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(dispatchCtx); err != nil {
			logger.Printf("dispatcher stopped: %v", err)
		}
	}()

	grp.Go(func() error {
		return orch.Run(groupCtx)
	})

	if monitorLn != nil {
		grp.Go(func() error {
			return serveMonitoring(groupCtx, monitorLn, metricsStore, healthChecker, logger)
		})
	}

	err = grp.Wait()
	stopDispatch()
	<-dispatchDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Printf("chibichonk stopped")
	return nil
}

func dispatcherOptions(cfg config.Config, capacity int, logger *log.Logger, rec events.Recorder, store *metrics.Store) []notify.Option {
	opts := []notify.Option{
		notify.WithOutboxCapacity(capacity),
		notify.WithLogger(logger),
		notify.WithEventRecorder(rec),
		notify.WithMetrics(store),
	}
	if cfg.Delivery.MaxAttempts > 0 {
		opts = append(opts, notify.WithMaxAttempts(cfg.Delivery.MaxAttempts))
	}
	if cfg.Delivery.RatePerSecond > 0 {
		burst := cfg.Delivery.Burst
		if burst <= 0 {
			burst = notify.DefaultBurst
		}
		opts = append(opts, notify.WithRateLimit(rate.Limit(cfg.Delivery.RatePerSecond), burst))
	}
	return opts
}

func devicesFromConfig(cfg config.Config) []monitor.Device {
	devices := make([]monitor.Device, 0, len(cfg.Printers))
	for _, p := range cfg.Printers {
		devices = append(devices, monitor.Device{
			Name: p.Name,
			Endpoint: transport.Endpoint{
				Name:       p.Name,
				Host:       p.Address(),
				Port:       p.MQTTPort(),
				Serial:     p.Serial,
				AccessCode: p.AccessCode,
				CAFile:     p.CAFile,
			},
			Cadence:    cfg.Cadence(p),
			PingTarget: p.PingUserID,
			WebhookURL: cfg.WebhookURL(p),
		})
	}
	return devices
}

func initConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Where to write the sample configuration")
	force := fs.Bool("force", false, "Overwrite an existing file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteConfig(*configPath, config.SampleConfig(), *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote sample configuration to %s; set discord.webhook_url and your printers, then run `chibichonk check`\n", *configPath)
	return nil
}

func monitoringHandler(store *metrics.Store, checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// serveMonitoring serves the monitoring endpoints on ln until ctx is done.
// Serve failures are logged rather than returned so printer monitoring keeps
// running without its monitoring endpoints.
func serveMonitoring(ctx context.Context, ln net.Listener, store *metrics.Store, checker *health.Checker, logger *log.Logger) error {
	srv := &http.Server{
		Handler:           monitoringHandler(store, checker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("metrics listening on http://%s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server stopped: %v", err)
		}
		return nil
	}
}
