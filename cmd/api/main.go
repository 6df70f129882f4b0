package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"nexahse.org/internal/auth"
	"nexahse.org/internal/credstore"
	"nexahse.org/internal/httpapi"
	"nexahse.org/internal/ipinfo"
	"nexahse.org/internal/obs"
	"nexahse.org/internal/store/pg"
	"nexahse.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("NEXAHSE_PG_DSN")
	if dsn == "" {
		log.Fatal("NEXAHSE_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := auth.NewPGStore(db)

	creds, err := buildCredStore()
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	events := stream.New()
	watcher := pg.NewWatcher(dsn, events)
	go watcher.Run(rootCtx)

	ip := ipinfo.New()
	registryOpts := []auth.RegistryOption{
		auth.WithAuthorizeRedirect(os.Getenv("NEXAHSE_OAUTH_REDIRECT")),
		auth.WithManagerOptions(
			auth.WithGuardOptions(
				auth.WithEvents(events),
				auth.WithAddrLookup(ip.PublicAddress),
				auth.WithUserAgent("nexahse-api/"+version),
			),
		),
	}
	// Device tokens persist across restarts when a directory is configured;
	// otherwise they live for the process only.
	if dir := os.Getenv("NEXAHSE_TOKEN_DIR"); dir != "" {
		registryOpts = append(registryOpts, auth.WithTokenStores(func(deviceID string) auth.TokenStore {
			ts, err := auth.NewFileTokenStore(filepath.Join(dir, filepath.Base(deviceID)))
			if err != nil {
				return auth.NewMemoryTokenStore()
			}
			return ts
		}))
	}
	registry := auth.NewRegistry(creds, store, registryOpts...)

	apiOpts := []httpapi.APIOption{httpapi.WithStream(events)}
	if addr := os.Getenv("NEXAHSE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("NEXAHSE_REDIS_PASSWORD"),
		})
		apiOpts = append(apiOpts, httpapi.WithPresence(pg.NewPresence(client, 0)))
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, registry, version, apiOpts...)

	listen := os.Getenv("NEXAHSE_ADDR")
	if listen == "" {
		listen = ":8080"
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting nexahse-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	registry.Close()
	rootCancel()
	_ = db.Close()
	log.Println("Stopped")
}

// buildCredStore picks the hosted identity service when configured and falls
// back to the embedded provider for development.
func buildCredStore() (credstore.Provider, error) {
	if base := os.Getenv("NEXAHSE_CRED_URL"); base != "" {
		return credstore.NewHTTPClient(base, os.Getenv("NEXAHSE_CRED_ANON_KEY"),
			credstore.WithJWTSecret(os.Getenv("NEXAHSE_JWT_SECRET")))
	}
	secret := os.Getenv("NEXAHSE_JWT_SECRET")
	if secret == "" {
		secret = "dev-only-secret"
		log.Println("NEXAHSE_JWT_SECRET not set, using development secret")
	}
	return credstore.NewLocalProvider(secret, "nexahse")
}
