// Command deliverant runs the webhook delivery pipeline: the HTTP
// management API, the scheduler tick, and the lease-recovery sweep, each
// as an independently cancellable goroutine fed by an in-process dispatch
// queue (SPEC_FULL.md §3 item 5).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hookrelay/deliverant/internal/config"
	"github.com/hookrelay/deliverant/internal/httpapi"
	"github.com/hookrelay/deliverant/internal/ingest"
	"github.com/hookrelay/deliverant/internal/killswitch"
	"github.com/hookrelay/deliverant/internal/queue"
	"github.com/hookrelay/deliverant/internal/recoverer"
	"github.com/hookrelay/deliverant/internal/replay"
	"github.com/hookrelay/deliverant/internal/scheduler"
	"github.com/hookrelay/deliverant/internal/statemachine"
	"github.com/hookrelay/deliverant/internal/store/memstore"
	"github.com/hookrelay/deliverant/internal/telemetry"
	"github.com/hookrelay/deliverant/internal/worker"
	"github.com/hookrelay/deliverant/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewDefaultLogger()
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "deliverant", cfg.OTLPEndpoint)
	if err != nil {
		log.Error("telemetry setup failed", map[string]interface{}{"error": err.Error()})
	} else {
		defer shutdownTelemetry(context.Background())
	}

	// The durable store is an assumed external capability (§1); memstore
	// is the in-process reference implementation. Swap in
	// internal/store/pgstore.New(pool) against a real Postgres instance
	// for production.
	db := memstore.New()

	var killSwitch killswitch.Source = killswitch.NewStaticSource(false)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		killSwitch = killswitch.NewRedisSource(redisClient, log.WithField("component", "killswitch"))
	}

	params := statemachine.Params{
		MaxAttempts:        cfg.MaxAttempts,
		MaxDeliveryTTL:     cfg.MaxDeliveryTTL(),
		LeaseDuration:      cfg.LeaseDuration(),
		LeaseRecoveryDelay: cfg.LeaseRecoveryDelay(),
	}

	ing := ingest.New(db, ingest.Params{MaxPayloadSize: cfg.MaxPayloadSize, DedupWindow: cfg.DedupWindow()}, log.WithField("component", "ingest"))
	repl := replay.New(db, cfg.MaxReplayBatchSize, log.WithField("component", "replay"))

	dispatchQueue := queue.New(cfg.DispatchQueueSize)

	sched := scheduler.New(db, killSwitch, dispatchQueue, scheduler.Config{
		TickInterval:           cfg.SchedulerTickInterval,
		BatchSize:              cfg.SchedulerBatchSize,
		MaxEndpointConcurrency: cfg.MaxEndpointConcurrency,
	}, log.WithField("component", "scheduler"))

	// otelhttp wraps the outbound transport so every attempt propagates
	// trace context to the destination endpoint, the same pattern the
	// example tool clients use for their outbound calls.
	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	w := worker.New(db, killSwitch, params, httpClient, log.WithField("component", "worker"))

	rec := recoverer.New(db, params, recoverer.Config{
		Interval:  cfg.RecovererInterval,
		BatchSize: cfg.RecovererBatchSize,
	}, log.WithField("component", "recoverer"))

	api := httpapi.New(db, ing, repl, killSwitch, log.WithField("component", "httpapi"), httpapi.DefaultConfig(cfg.HTTPAddr))

	go sched.Run(ctx)
	go rec.Run(ctx)

	const workerCount = 4
	for i := 0; i < workerCount; i++ {
		go w.Run(ctx, dispatchQueue.Dequeue)
	}

	go func() {
		log.Info("http server listening", map[string]interface{}{"addr": cfg.HTTPAddr})
		if err := api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}
