package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/events"
	"github.com/voxbridge/voxbridge/internal/metrics"
	"github.com/voxbridge/voxbridge/internal/rtpp"
	sipserver "github.com/voxbridge/voxbridge/internal/sip"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("voxbridge starting",
		"bind_addr", cfg.BindAddr,
		"sip_port", cfg.SIPPort,
		"advertised_host", cfg.SignalingHost(),
		"rtpproxy", cfg.RTPProxyAddr,
	)

	relayNet, relayAddr, err := cfg.RTPProxySocket()
	if err != nil {
		logger.Error("invalid rtpproxy address", "error", err)
		os.Exit(1)
	}
	relay, err := rtpp.Dial(relayNet, relayAddr, logger)
	if err != nil {
		logger.Error("failed to connect to rtpproxy", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, relay, bus)
	if err != nil {
		logger.Error("failed to create sip server", "error", err)
		relay.Close()
		os.Exit(1)
	}

	if err := sipSrv.Start(appCtx); err != nil {
		logger.Error("failed to start sip server", "error", err)
		relay.Close()
		os.Exit(1)
	}

	errCh := make(chan error, 1)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(
			sipSrv.Calls(),
			sipSrv.Store(),
			sipSrv.Media(),
			sipSrv.Auth().Guard(),
			bus,
			relay,
			startTime,
		)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(collector))
		metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint starting", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("metrics server failed", "error", err)
	}

	appCancel()
	sipSrv.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
		cancel()
	}

	relay.Close()
	bus.Close()

	logger.Info("voxbridge stopped")
}
