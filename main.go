package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attribution/collector"
	"attribution/config"
	"attribution/logging"
	"attribution/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	envFile := flag.String("env", ".env", "environment file to load before reading COLLECTOR_* variables")
	issue := flag.String("issue-admin-token", "", "print an admin bearer token for this subject and exit")
	ttl := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-admin-token")
	flag.Parse()

	cfg, err := config.LoadCollector(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Debug: cfg.Debug, Service: "attribution-collector"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *issue != "" {
		token, err := collector.NewAdminAuth(cfg.AdminSecret, log).Issue(*issue, *ttl)
		if err != nil {
			log.Fatal("collector: issue admin token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	registry, err := collector.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatal("collector: open project registry", zap.String("path", cfg.RegistryPath), zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []collector.Option{
		collector.WithLogger(log),
		collector.WithMetrics(metrics.NewCollector(promReg)),
		collector.WithAllowedOrigin(cfg.AllowedOrigin),
	}
	if cfg.AdminSecret != "" {
		opts = append(opts, collector.WithAdmin(collector.NewAdminAuth(cfg.AdminSecret, log)))
	} else {
		log.Warn("collector: COLLECTOR_ADMIN_SECRET not set, admin API disabled")
	}
	srv := collector.NewServer(registry, cfg.DataDir, opts...)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go gracefulShutdown(server, cfg.ShutdownTimeout, log, done)

	log.Info("collector: listening",
		zap.String("addr", cfg.Addr),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("projects", len(registry.Projects())),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("collector: server failed", zap.Error(err))
	}
	<-done
}

// gracefulShutdown waits for SIGINT/SIGTERM and drains in-flight requests.
func gracefulShutdown(server *http.Server, timeout time.Duration, log *zap.Logger, done chan<- struct{}) {
	defer close(done)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.Info("collector: shutdown signal received", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("collector: shutdown", zap.Error(err))
		return
	}
	log.Info("collector: stopped")
}
