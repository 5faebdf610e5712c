package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/tejusbharadwaj/owenlers/internal/api"
	"github.com/tejusbharadwaj/owenlers/internal/config"
	"github.com/tejusbharadwaj/owenlers/internal/database"
	server "github.com/tejusbharadwaj/owenlers/internal/grpc"
	"github.com/tejusbharadwaj/owenlers/internal/metrics"
	"github.com/tejusbharadwaj/owenlers/internal/mirror"
	"github.com/tejusbharadwaj/owenlers/internal/regroup"
	"github.com/tejusbharadwaj/owenlers/internal/scheduler"
	"github.com/tejusbharadwaj/owenlers/internal/status"
)

// Command owenlers forwards the latest OwenCloud readings into LERS
// consumption archives.
//
// Every cycle it fetches the latest value of each configured parameter,
// drops samples that were already forwarded, groups the rest by measure
// point and timestamp and pushes one archive per measure point.
//
// Usage:
//
//	owenlers [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-env string
//	      path to .env file with secrets (default ".env")
func main() {
	flags := parseFlags()

	if err := config.LoadDotEnv(flags.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Bridge stopped")
		os.Exit(1)
	}
}

type Flags struct {
	ConfigFile string
	EnvFile    string
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigFile, "config", "config.yaml", "Path to the config file")
	flag.StringVar(&f.EnvFile, "env", ".env", "Path to a .env file with secrets")

	flag.Parse()

	return f
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := regroup.ParsePolicy(cfg.Sync.Delivery)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	tracker, err := status.NewTracker(cfg.Status.RecentPoints)
	if err != nil {
		return fmt.Errorf("failed to create status tracker: %w", err)
	}

	opts := []scheduler.Option{
		scheduler.WithMetrics(m),
		scheduler.WithTracker(tracker),
	}

	if cfg.Journal.DSN != "" {
		journal, err := database.NewPostgresJournal(cfg.Journal.DSN)
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, scheduler.WithJournal(journal))
		logger.Info("Delivery journal enabled")
	}

	if cfg.Mirror.URL != "" {
		mir := mirror.NewInfluxMirror(cfg.Mirror.URL, cfg.Mirror.Token, cfg.Mirror.Org, cfg.Mirror.Bucket)
		defer mir.Close()
		opts = append(opts, scheduler.WithMirror(mir))
		logger.WithField("bucket", cfg.Mirror.Bucket).Info("InfluxDB mirror enabled")
	}

	var httpSrv *http.Server
	if cfg.Metrics.Addr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           status.NewRouter(tracker, registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.WithField("addr", cfg.Metrics.Addr).Info("Starting status server")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Status server failed")
			}
		}()
	}

	var grpcSrv *grpc.Server
	if cfg.Health.Port > 0 {
		health := server.NewHealthChecker()
		grpcSrv = server.SetupServer(health, server.DefaultServerConfig(), logger, m)

		lis, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		go func() {
			logger.WithField("port", cfg.Health.Port).Info("Starting gRPC health server")
			if err := grpcSrv.Serve(lis); err != nil {
				logger.WithError(err).Error("gRPC health server failed")
			}
		}()
		opts = append(opts, scheduler.WithHealth(health))
	}

	source := api.NewSourceClient(cfg.Source.BaseURL, cfg.Source.Timeout)
	sink := api.NewSinkClient(api.SinkConfig{
		ServerURL: cfg.Sink.ServerURL,
		Token:     cfg.Sink.Token,
		Timeout:   cfg.Sink.Timeout,
		RateLimit: cfg.Sink.RateLimit,
		Burst:     cfg.Sink.RateLimitBurst,
	})
	engine := regroup.NewEngine(cfg.Routes(), policy, logger)
	sched := scheduler.NewScheduler(source, sink, engine, cfg.Credentials(), cfg.Sync.Interval(), logger, opts...)

	go handleShutdown(ctx, cancel, logger)

	logger.WithFields(logrus.Fields{
		"measure_points": len(cfg.MeasurePoints),
		"parameters":     len(engine.ParameterIDs()),
		"interval":       cfg.Sync.Interval().String(),
		"delivery":       string(policy),
	}).Info("Starting bridge")

	err = sched.Run(ctx)

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
			logger.WithError(serr).Warn("Status server shutdown failed")
		}
	}
	logger.Info("Bridge stopped")
	return err
}

// handleShutdown cancels ctx on SIGINT or SIGTERM.
func handleShutdown(ctx context.Context, cancel context.CancelFunc, logger *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
	case sig := <-sigChan:
		logger.Printf("Received signal %v, initiating shutdown", sig)
		cancel()
	}
}
