// cmd/sync-worker/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rostersync/internal/ingress"
	"rostersync/internal/orchestrator"
	"rostersync/internal/policy"
	"rostersync/pkg/bus"
	"rostersync/pkg/config"
	"rostersync/pkg/db"
	"rostersync/pkg/logger"
	"rostersync/pkg/metrics"
	"rostersync/pkg/middleware"
	"rostersync/pkg/restadapter"
	"rostersync/pkg/secrets"
	"rostersync/pkg/sinkhttp"
	"rostersync/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var store tenants.Store
	if pool != nil {
		store = tenants.NewPostgresStore(pool, log)
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
	} else {
		store = tenants.NewMemoryStore(log)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	busLog := logger.Named(log, "bus")
	var b bus.Bus
	if rdb != nil {
		b = bus.NewRedis(rdb, busLog, bus.WithWorkers(cfg.Workers), bus.WithRedisMetrics(m))
	} else {
		b = bus.NewMemory(busLog, bus.WithMetrics(m))
	}

	if cfg.VendorProfilePath == "" {
		log.Fatalw("VENDOR_PROFILE_PATH not set")
	}
	profile, err := restadapter.LoadProfile(cfg.VendorProfilePath)
	if err != nil {
		log.Fatalw("vendor profile", "path", cfg.VendorProfilePath, "err", err)
	}
	adapter := restadapter.New(profile, logger.Named(log, "adapter"))
	sink := sinkhttp.New(cfg.SinkBaseURL, cfg.SinkToken, logger.Named(log, "sink"))
	box := secrets.NewBox(cfg.EncryptionKey)

	leadTime := cfg.TokenLeadTime
	if profile.TokenLeadTimeSec > 0 {
		leadTime = profile.TokenLeadTime()
	}
	retryAfter := cfg.DefaultRetryAfter
	if profile.RetryAfterDefaultSec > 0 {
		retryAfter = time.Duration(profile.RetryAfterDefaultSec) * time.Second
	}

	svc := orchestrator.New(orchestrator.Deps{
		Bus:               b,
		Store:             store,
		Box:               box,
		Adapter:           adapter,
		Sink:              sink,
		Log:               logger.Named(log, "orchestrator"),
		Metrics:           m,
		LeadTime:          leadTime,
		RetryBudget:       cfg.RetryBudget,
		DeleteConcurrency: cfg.DeleteConcurrency,
	})
	svc.Register(
		policy.RateLimit(retryAfter, nil, log),
		policy.Unauthorized(b, store, sink, log, m),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Use(middleware.BearerAuth(cfg.IngressJWKSURL, cfg.IngressIssuer))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	ingress.NewHandler(b, logger.Named(log, "ingress")).Mount(r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		log.Infow("bus running", "vendor", profile.Name, "workers", cfg.Workers)
		if err := b.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalw("bus", "err", err)
		}
	}()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("sync-worker listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Println("sync-worker stopped")
}
