package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equisync/internal/cache"
	cachepostgres "equisync/internal/cache/infrastructure/postgres"
	"equisync/internal/config"
	"equisync/internal/offline"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	skipInstall := flag.Bool("skip-install", false, "serve without fetching the asset manifest first")
	installTimeout := flag.Duration("install-timeout", time.Minute, "time allowed for the manifest fetch")
	flag.Parse()

	logger := log.New(os.Stdout, "edgeproxy ", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config load error: %v", err)
	}
	if err := cfg.ValidateEdge(); err != nil {
		logger.Fatalf("config error: %v", err)
	}
	origin, err := url.Parse(cfg.Offline.Origin)
	if err != nil {
		logger.Fatalf("origin parse error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Server.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	backend := cachepostgres.NewBackend(db)
	if err := backend.EnsureSchema(ctx); err != nil {
		logger.Fatalf("cache schema error: %v", err)
	}
	store, err := cache.New[[]byte](backend, cache.WithName("assets"))
	if err != nil {
		logger.Fatalf("asset store error: %v", err)
	}
	assets, err := offline.NewAssetCache(store, cfg.Offline.Generation)
	if err != nil {
		logger.Fatalf("asset cache error: %v", err)
	}
	upstream, err := offline.NewUpstreamTransport(cfg.Remote.Timeout)
	if err != nil {
		logger.Fatalf("upstream transport error: %v", err)
	}
	proxy, err := offline.NewProxy(upstream, assets,
		offline.WithClassifier(offline.NewClassifier(cfg.Offline.APIPrefix)),
		offline.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("proxy error: %v", err)
	}

	if !*skipInstall {
		installCtx, cancel := context.WithTimeout(ctx, *installTimeout)
		err := proxy.Install(installCtx, origin, offline.Manifest(cfg.Offline.Manifest))
		cancel()
		if err != nil {
			// Older generations stay in place until an install succeeds.
			logger.Printf("install %s error: %v", assets.Generation(), err)
		} else {
			purged, err := proxy.Activate(ctx)
			if err != nil {
				logger.Printf("activate %s error: %v", assets.Generation(), err)
			} else {
				logger.Printf("generation %s active, purged %d stale entries", assets.Generation(), purged)
			}
		}
	}

	gateway, err := offline.NewGateway(origin, proxy)
	if err != nil {
		logger.Fatalf("gateway error: %v", err)
	}
	server := &http.Server{
		Addr:              cfg.Offline.ListenAddr,
		Handler:           gateway,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Printf("serving %s on %s", origin, cfg.Offline.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
}
