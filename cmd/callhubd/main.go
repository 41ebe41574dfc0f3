package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"callhub/internal/ami"
	"callhub/internal/clock"
	"callhub/internal/config"
	"callhub/internal/db"
	"callhub/internal/eventbus"
	"callhub/internal/httpapi"
	"callhub/internal/hub"
	"callhub/internal/metrics"
	"callhub/internal/store"
	"callhub/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "/etc/callhubd.yaml", "config file path")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callhubd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := store.New(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	amiClient := ami.NewClient(ami.Config{
		Addr:              cfg.AMI.Addr,
		Username:          cfg.AMI.Username,
		Secret:            cfg.AMI.Secret,
		ReconnectInterval: cfg.AMI.ReconnectInterval,
	}, logger)

	opts := hub.Options{
		Store:   st,
		PBX:     amiClient,
		Clock:   clock.Real(),
		Logger:  logger,
		Metrics: metrics.New(reg),
		Dialplan: hub.Dialplan{
			Context:        cfg.Dialplan.Context,
			SpyOptions:     cfg.Dialplan.SpyOptions,
			WhisperOptions: cfg.Dialplan.WhisperOptions,
		},
		LoginTimeout:         cfg.LoginTimeout,
		QueryTimeout:         cfg.QueryTimeout,
		HousekeepingInterval: cfg.HousekeepingInterval,
	}

	var wg sync.WaitGroup
	if cfg.Redis.Addr != "" {
		mirror, err := eventbus.NewRedisMirror(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		opts.Mirror = mirror
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(ctx)
		}()
	}

	h := hub.New(opts)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := h.Run(ctx); err != nil {
			logger.Error("hub stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := amiClient.Run(ctx, h); err != nil {
			logger.Error("ami client stopped", "error", err)
		}
	}()

	tcp, err := transport.NewTCPServer(cfg.TCPListenAddr, h, logger)
	if err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("tcp transport listening", "addr", tcp.Address())
		if err := tcp.Serve(ctx); err != nil {
			logger.Error("tcp transport stopped", "error", err)
		}
	}()

	router := httpapi.NewRouter(cfg, httpapi.Deps{
		DB:       pool,
		Logs:     st,
		Users:    h,
		Realtime: transport.NewWebSocketHandler(h, logger, cfg.WSOriginPatterns),
		Metrics:  reg,
		Logger:   logger,
	})

	// No read or write timeout: /ws connections are long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-hubDone
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// Open sessions are finished before the pool closes.
	<-hubDone
	wg.Wait()
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
