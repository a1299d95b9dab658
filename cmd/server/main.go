package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/collapsinghierarchy/nt-callrelay/internal/admin"
	"github.com/collapsinghierarchy/nt-callrelay/internal/config"
	"github.com/collapsinghierarchy/nt-callrelay/internal/health"
	"github.com/collapsinghierarchy/nt-callrelay/internal/hub"
	"github.com/collapsinghierarchy/nt-callrelay/internal/ice"
	"github.com/collapsinghierarchy/nt-callrelay/internal/logs"
	"github.com/collapsinghierarchy/nt-callrelay/internal/metrics"
	"github.com/collapsinghierarchy/nt-callrelay/internal/middleware"
	"github.com/collapsinghierarchy/nt-callrelay/internal/ws"
)

func main() {
	// 1) Config + logger
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := logs.New("srv", cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	iceServers, err := ice.Servers(cfg.ICEURLs, cfg.TURNUsername, cfg.TURNCredential)
	if err != nil {
		logger.Fatal("ice servers", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) Signaling service
	h := hub.New(hub.Config{
		MaxConnections: cfg.MaxConnections,
		StaleAfter:     cfg.StaleAfter,
		SweepEvery:     cfg.SweepEvery,
		RingTimeout:    cfg.RingTimeout,
		RequireCall:    cfg.SignalRequireCall,
		ICEServers:     iceServers,
	}, hub.WithLogger(logger))
	if err := h.Start(ctx); err != nil {
		logger.Fatal("hub start", zap.Error(err))
	}

	// 3) Mux + core endpoints
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Healthz())
	mux.Handle("/readyz", health.Readyz(h.Ready))
	mux.Handle(cfg.MetricsRoute, metrics.Handler())
	mux.Handle("/ice", ice.Handler(iceServers))

	// 4) Admin API (rate-limited if configured, key-gated if ADMIN_KEY is set)
	httpRL := middleware.New(cfg.HTTPRatePerMin)
	httpRL.StartJanitor(ctx)
	adminHandler := http.StripPrefix("/admin", admin.Routes(h, logger))
	adminHandler = middleware.RequireKey("X-Admin-Key", cfg.AdminKey)(adminHandler)
	adminHandler = httpRL.Middleware()(adminHandler)
	mux.Handle("/admin/", adminHandler)

	// 5) WebSocket transport + WS rate limit + tuning
	wsRL := middleware.New(cfg.WSRatePerMin)
	wsRL.StartJanitor(ctx)
	mux.Handle("/ws", ws.NewHandler(
		h,
		cfg.CORSOrigins, // exact origins or hostnames; ignored when DevMode=true
		logger,
		cfg.DevMode,
		ws.WithBuffers(cfg.WSReadBuf, cfg.WSWriteBuf),
		ws.WithLimits(cfg.WSMaxMsg, cfg.Heartbeat),
		ws.WithSendQueue(cfg.WSSendQueue),
		ws.WithRateLimiter(wsRL),
	))

	// 6) HTTP server with timeouts
	srv := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           logs.Middleware(logger)(mux),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	// 7) Serve (TLS if cert+key are set)
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			logger.Info("serving HTTPS", zap.String("addr", cfg.BindAddr()))
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info("serving HTTP", zap.String("addr", cfg.BindAddr()))
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	// 8) Block until we're told to stop (signal) or the server fails
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// websockets are hijacked, so the hub closes them itself
		h.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		h.Stop()
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}
}
