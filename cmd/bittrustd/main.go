package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bittrust/config"
	"bittrust/core/protocol"
	"bittrust/gateway/middleware"
	"bittrust/gateway/routes"
	"bittrust/observability/logging"
	telemetry "bittrust/observability/otel"
	"bittrust/storage"
)

const envName = "BITTRUST_ENV"

func main() {
	configFile := flag.String("config", "./bittrust.toml", "Path to the configuration file")
	dataDir := flag.String("data", "", "LevelDB directory; empty keeps state in memory")
	intentsFile := flag.String("intents", "", "YAML scenario to execute; receipts are written to stdout as JSON lines")
	keepGoing := flag.Bool("keep-going", false, "Continue a scenario past failing steps")
	listen := flag.String("listen", "", "HTTP listen address (overrides gateway.Listen)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logFile := flag.String("log-file", "", "Write logs to this rotated file instead of stderr")
	flag.Parse()

	if err := run(*configFile, *dataDir, *intentsFile, *listen, *logLevel, *logFile, *keepGoing); err != nil {
		fmt.Fprintf(os.Stderr, "bittrustd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, dataDir, intentsFile, listen, logLevel, logFile string, keepGoing bool) error {
	env := strings.TrimSpace(os.Getenv(envName))
	var logOut io.Writer = os.Stderr
	if logFile != "" {
		w := logging.FileWriter(logFile)
		defer w.Close()
		logOut = w
	}
	logger := logging.SetupWriter(logOut, "bittrustd", env, logging.ParseLevel(logLevel))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(env))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen != "" {
		cfg.Gateway.Listen = listen
	}

	db, err := openDatabase(dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := protocol.New(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("build protocol: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if intentsFile != "" {
		scenario, err := LoadScenario(intentsFile)
		if err != nil {
			return err
		}
		logger.Info("running scenario", slog.String("path", intentsFile), slog.Int("steps", len(scenario.Steps)))
		if err := NewRunner(p, os.Stdout, keepGoing).Run(ctx, scenario); err != nil {
			return err
		}
	}
	if cfg.Gateway.Listen == "" {
		return nil
	}
	return serve(ctx, cfg.Gateway, p, logger)
}

func openDatabase(dir string) (storage.Database, error) {
	if strings.TrimSpace(dir) == "" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func telemetryConfig(env string) telemetry.Config {
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	var ratio float64
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			ratio = parsed
		}
	}
	return telemetry.Config{
		ServiceName: "bittrustd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     endpoint != "",
		Traces:      endpoint != "",
		SampleRatio: ratio,
	}
}

func serve(ctx context.Context, gw config.Gateway, p *protocol.Protocol, logger *slog.Logger) error {
	var secret string
	if gw.JWTSecretEnv != "" {
		secret = os.Getenv(gw.JWTSecretEnv)
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: secret,
		Issuer:     gw.Issuer,
		Audience:   gw.Audience,
	}, logger)
	if !auth.Enabled() {
		logger.Warn("no token secret configured; mutating routes are closed", slog.String("env", gw.JWTSecretEnv))
	}
	limit := middleware.RateLimit{RequestsPerMinute: gw.RequestsPerMinute, Burst: gw.Burst}
	limits := map[string]middleware.RateLimit{}
	if gw.RequestsPerMinute > 0 {
		for _, group := range []string{"reputation", "bank", "lending", "pool", "delegation"} {
			limits[group] = limit
		}
	}
	handler, err := routes.New(routes.Config{
		Protocol:      p,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: true}, logger),
		Timeout:       time.Duration(gw.RequestTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              gw.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("addr", gw.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}
