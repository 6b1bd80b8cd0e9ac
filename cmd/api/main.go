package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/config"
	"opendesk.org/internal/httpapi"
	"opendesk.org/internal/obs"
	"opendesk.org/internal/store/mem"
	"opendesk.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "none" // overridden via -ldflags at release build
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Persistence backend. The in-memory store serves local development;
	// postgres is the production path and feeds the readiness probe.
	var (
		store auth.Store
		ready func(ctx context.Context) error
	)
	switch cfg.Store {
	case "postgres":
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		ready = pgStore.Ping
	default:
		store = mem.New()
	}

	svc := auth.NewService(store, cfg.Auth())

	// The RBAC service and the API reference each other: role changes must
	// drop cached principals, and the API routes RBAC operations. The
	// closure breaks the construction order.
	var api *httpapi.API
	rbac := auth.NewRBACService(store, auth.WithInvalidation(func(identityID string) {
		api.Authenticator().Invalidate(identityID)
	}))
	api = httpapi.New(svc, rbac, httpapi.Options{
		Version:            version,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		RequestRate:        cfg.RequestRatePerSecond,
		RequestBurst:       cfg.RequestBurst,
		Ready:              ready,
	})

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 15*time.Second)
	if err := rbac.SeedBuiltins(seedCtx); err != nil {
		cancelSeed()
		log.Fatalf("seed builtins: %v", err)
	}
	cancelSeed()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting opendesk-api %s on %s (store=%s)", version, srv.Addr, cfg.Store)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
