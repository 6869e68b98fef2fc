package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"magnetgate/pkg/cache"
	"magnetgate/pkg/database"
	"magnetgate/pkg/ingest"
	"magnetgate/pkg/ledger"
	"magnetgate/pkg/metrics"
	otelobs "magnetgate/pkg/observability/otel"
	"magnetgate/pkg/ratelimit"
	"magnetgate/pkg/sensor"
	"magnetgate/pkg/store"
	"magnetgate/shared/config"
)

const serviceName = "gateway"

func main() {
	port := config.GetInt("GATEWAY_PORT", 8080)
	audit := ledger.New(config.Get("LEDGER_PATH", "data/ledger-gateway.log"), serviceName)

	reg := buildRegistry()
	loc := localZone()

	ctx := context.Background()
	backend, err := openBackend(ctx, reg)
	if err != nil {
		log.Fatalf("[gateway] store: %v", err)
	}
	defer backend.Close()

	rdb := openRedis(ctx)
	latest := cache.NewLatest(rdb, config.GetDuration("LATEST_CACHE_TTL", 5*time.Minute))
	limiter := ratelimit.New(rdb, config.GetInt("INGEST_RATE_LIMIT", 120), time.Minute)

	mreg := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(mreg, serviceName)
	outcomes := metrics.NewLabeledCounter("magnetgate_ingest_outcome_total",
		"Ingest pipeline outcomes by sensor type", []string{"sensorType", "outcome"})
	mreg.RegisterLabeledCounter(outcomes)
	registerGatewayMetrics(mreg)

	disp := ingest.NewDispatcher(
		ingest.NewAuthenticator(reg, audit),
		ingest.NewValidator(),
		ingest.NewNormalizer(loc),
		backend,
		audit,
	)
	disp.SetOutcomeCounter(outcomes)

	a := newApp(reg, disp, backend, latest, limiter, audit,
		[]byte(os.Getenv("ADMIN_JWT_SECRET")))

	mux := http.NewServeMux()
	a.routes(mux)
	mux.Handle("/metrics", mreg)

	shutdownTracer := otelobs.InitTracer(serviceName)
	defer func() { _ = shutdownTracer(context.Background()) }()

	handler := otelobs.WrapHTTPHandler(serviceName,
		otelobs.AccessLogMiddleware(httpMetrics.Middleware(mux)))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Printf("[gateway] listening on :%d (%d sensor types)", port, len(reg.All()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[gateway] serve: %v", err)
		}
	}()
	<-sigCtx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gateway] shutdown: %v", err)
	}
	log.Printf("[gateway] stopped")
}

// buildRegistry registers the built-in sensor types, then merges the
// optional SENSOR_CONFIG_PATH file. Bad entries are skipped loudly; an
// empty registry is fatal because the gateway would reject everything.
func buildRegistry() *sensor.Registry {
	reg := sensor.NewRegistry()
	for _, cfg := range sensor.Defaults() {
		if err := reg.Register(cfg); err != nil {
			log.Printf("[gateway] builtin sensor skipped: %v", err)
		}
	}
	if path := os.Getenv("SENSOR_CONFIG_PATH"); path != "" {
		warnings, err := reg.LoadFile(path)
		if err != nil {
			log.Fatalf("[gateway] sensor config %s: %v", path, err)
		}
		for _, w := range warnings {
			log.Printf("[gateway] sensor config: %s", w)
		}
	}
	if len(reg.All()) == 0 {
		log.Fatalf("[gateway] no sensor types registered")
	}
	return reg
}

// localZone loads LOCAL_TIMEZONE for receivedTimeLocal. Deployments sit in
// Indochina Time unless told otherwise.
func localZone() *time.Location {
	name := config.Get("LOCAL_TIMEZONE", "Asia/Bangkok")
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[gateway] timezone %q unavailable, using UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

// openBackend picks Postgres when DATABASE_URL is set, otherwise an
// in-memory store. DISABLE_DB=true forces memory mode for local runs.
func openBackend(ctx context.Context, reg *sensor.Registry) (store.Backend, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if config.GetBool("DISABLE_DB", false) || dbURL == "" {
		log.Printf("[gateway] in-memory store active (set DATABASE_URL for persistence)")
		return store.NewMemory(), nil
	}
	db, err := database.Open(database.Config{URL: dbURL})
	if err != nil {
		return nil, err
	}
	if err := store.MigrateBuiltins(db, config.Get("DATABASE_NAME", "magnetgate")); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pg := store.NewPostgres(db)
	// Types added through SENSOR_CONFIG_PATH have no checked-in migration.
	for _, cfg := range reg.All() {
		if err := pg.EnsureTable(ctx, cfg.StoreName); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure table %s: %w", cfg.StoreName, err)
		}
	}
	return pg, nil
}

// openRedis connects when REDIS_ADDR is set. Redis is optional: without it
// the latest-reading cache is disabled and rate limiting runs in-process.
func openRedis(ctx context.Context) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       config.GetInt("REDIS_DB", 0),
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Printf("[gateway] redis %s unreachable, continuing without it: %v", addr, err)
		_ = rdb.Close()
		return nil
	}
	log.Printf("[gateway] redis connected: %s", addr)
	return rdb
}
