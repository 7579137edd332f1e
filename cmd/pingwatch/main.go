package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pingwatch/core-go/internal/config"
	"pingwatch/core-go/internal/configstore"
	"pingwatch/core-go/internal/db"
	"pingwatch/core-go/internal/httpapi"
	"pingwatch/core-go/internal/metrics"
	"pingwatch/core-go/internal/probe"
	"pingwatch/core-go/internal/registry"
	"pingwatch/core-go/internal/scheduler"
	"pingwatch/core-go/internal/status"
)

// store is what the service needs from a device list backend.
type store interface {
	configstore.Store
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", envOr("PINGWATCH_CONFIG", "pingwatch.yaml"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// logger level is not known yet
		bootLogger := httpapi.NewLogger("info")
		bootLogger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}

	logger := httpapi.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, logger, cfg.Store)
	defer closeStore()

	reg := registry.New(st, logger)
	records, err := st.Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load device list")
	}
	loaded := reg.Load(records)
	logger.Info().Int("devices", loaded).Str("store", cfg.Store.Kind).Msg("device list loaded")

	prober, err := probe.New(probe.Options{
		Method:    cfg.Probe.Method,
		DNSServer: cfg.Probe.DNSServer,
		TCPPort:   cfg.Probe.TCPPort,
		SNMP: probe.SNMPConfig{
			Community: cfg.Probe.SNMP.Community,
			Version:   cfg.Probe.SNMP.Version,
			Port:      cfg.Probe.SNMP.Port,
			Retries:   cfg.Probe.SNMP.Retries,
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build prober")
	}

	m := metrics.New()
	pub := status.New(reg)

	sched := scheduler.New(logger, reg, prober, scheduler.Options{
		Interval:     cfg.Interval(),
		ProbeTimeout: cfg.ProbeTimeout(),
		MaxParallel:  cfg.Probe.MaxParallel,
		OnRoundComplete: func(scheduler.RoundSummary) {
			pub.Notify()
		},
	}, m)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	h := httpapi.NewHandler(logger, httpapi.Deps{
		Devices:   reg,
		Snapshots: pub,
		Rounds:    sched,
		Store:     st,
		Metrics:   m,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("probe_method", cfg.Probe.Method).
			Dur("interval", cfg.Interval()).
			Msg("pingwatch listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not stop before shutdown deadline")
	}
	logger.Info().Msg("shutdown complete")
}

func openStore(ctx context.Context, logger zerolog.Logger, cfg config.Store) (store, func()) {
	if cfg.Kind != config.StorePostgres {
		return configstore.NewFileStore(cfg.Path, logger), func() {}
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	pg, err := configstore.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		logger.Fatal().Err(err).Msg("failed to prepare device table")
	}
	return pg, pool.Close
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
