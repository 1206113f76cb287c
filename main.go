package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"equisync/internal/anomaly"
	"equisync/internal/audit"
	"equisync/internal/auth"
	"equisync/internal/cache"
	cachepostgres "equisync/internal/cache/infrastructure/postgres"
	"equisync/internal/config"
	"equisync/internal/eventbus"
	"equisync/internal/measurements/adapters/remote"
	"equisync/internal/measurements/application"
	"equisync/internal/measurements/application/events"
	measurements "equisync/internal/measurements/domain"
	measurementspostgres "equisync/internal/measurements/infrastructure/postgres"
	measurementshttp "equisync/internal/measurements/interfaces/http"
	measurementsmqtt "equisync/internal/measurements/interfaces/mqtt"
	"equisync/internal/measurements/notify"
	"equisync/internal/observability/metrics"
	"equisync/internal/offline"
	"equisync/internal/prediction"
	"equisync/internal/scheduler"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config load error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Server.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	cacheBackend := cachepostgres.NewBackend(db)
	if err := cacheBackend.EnsureSchema(ctx); err != nil {
		logger.Fatalf("cache schema error: %v", err)
	}
	queue := measurementspostgres.NewReadingQueue(db)
	if err := queue.EnsureSchema(ctx); err != nil {
		logger.Fatalf("reading queue schema error: %v", err)
	}
	auditRepo := audit.NewRepository(db, "")
	if err := auditRepo.EnsureSchema(ctx); err != nil {
		logger.Fatalf("audit schema error: %v", err)
	}
	metrics.Init(db, logger)

	seriesBackend, err := cache.NewJSONBackend[application.Snapshot](cacheBackend)
	if err != nil {
		logger.Fatalf("series cache backend error: %v", err)
	}
	seriesCache, err := cache.New[application.Snapshot](seriesBackend, cache.WithDefaultTTL(cfg.Cache.DefaultTTL), cache.WithName("series"))
	if err != nil {
		logger.Fatalf("series cache error: %v", err)
	}
	assetStore, err := cache.New[[]byte](cacheBackend, cache.WithName("assets"))
	if err != nil {
		logger.Fatalf("asset cache error: %v", err)
	}
	assets, err := offline.NewAssetCache(assetStore, cfg.Offline.Generation)
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
		logger.Fatalf("offline proxy error: %v", err)
	}

	var source measurements.RemoteSource = standaloneSource{}
	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(cfg.Remote.BaseURL,
			remote.WithHTTPClient(&http.Client{Transport: proxy, Timeout: cfg.Remote.Timeout}),
			remote.WithServiceToken(cfg.Remote.ServiceToken),
		)
		if err != nil {
			logger.Fatalf("remote client error: %v", err)
		}
		source = client
	} else {
		logger.Printf("remote base url not set: serving local readings only")
	}

	anomalyOpts := anomaly.Options{
		ZThreshold:  cfg.Anomaly.ZThreshold,
		GrowthLimit: cfg.Anomaly.GrowthLimit,
		Window:      cfg.Anomaly.Window,
	}
	reconcilerOpts := []application.ReconcilerOption{
		application.WithBucketGranularity(cfg.Reconcile.BucketGranularity),
		application.WithAnomalyOptions(anomalyOpts),
		application.WithGrowthConfidenceCap(cfg.Reconcile.GrowthConfidenceCap),
	}
	if cfg.Reconcile.StrictConfidence {
		reconcilerOpts = append(reconcilerOpts, application.WithStrictConfidence())
	}
	reconciler := application.NewReconciler(reconcilerOpts...)

	bus := eventbus.New(eventbus.WithLogger(logger), eventbus.WithContinueOnFailure())
	syncService, err := application.NewSyncService(queue, source, reconciler, seriesCache,
		application.WithPublisher(bus),
		application.WithSyncLogger(logger),
	)
	if err != nil {
		logger.Fatalf("sync service error: %v", err)
	}

	bus.SubscribeReadingsIngested(func(ctx context.Context, evt events.ReadingsIngested) error {
		logger.Printf("readings ingested: series=%s channel=%s count=%d", evt.Key, evt.Channel, len(evt.ReadingIDs))
		return nil
	})
	bus.SubscribeAnomaliesDetected(func(ctx context.Context, evt events.AnomaliesDetected) error {
		logger.Printf("anomalies detected: series=%s flagged=%d", evt.Key, len(evt.Annotations))
		return nil
	})
	if cfg.Notify.WebhookURL != "" {
		dispatcher, err := notify.NewDispatcher(notify.NewWebhookNotifier(cfg.Notify.WebhookURL),
			notify.WithCooldown(cfg.Notify.Cooldown),
			notify.WithDedupWindow(cfg.Notify.DedupeWindow),
			notify.WithSeriesBaseURL(cfg.Notify.SeriesBaseURL),
			notify.WithLogger(logger),
		)
		if err != nil {
			logger.Fatalf("anomaly notifier error: %v", err)
		}
		bus.SubscribeAnomaliesDetected(dispatcher.HandleAnomaliesDetected)
	}

	seriesOpts := []measurementshttp.SeriesOption{
		measurementshttp.WithAuditLogger(auditRepo),
		measurementshttp.WithLogger(logger),
	}
	if cfg.Prediction.Endpoint != "" {
		predictor, err := prediction.NewSageMakerPredictor(ctx, cfg.Prediction.Endpoint, cfg.Prediction.Region)
		if err != nil {
			logger.Fatalf("predictor error: %v", err)
		}
		scaler := prediction.RobustScaler{Center: cfg.Prediction.ScaleCenter, Scale: cfg.Prediction.ScaleRange}
		predictionService, err := prediction.NewService(syncService, predictor, scaler)
		if err != nil {
			logger.Fatalf("prediction service error: %v", err)
		}
		seriesOpts = append(seriesOpts, measurementshttp.WithPredictor(predictionService))
	}

	if cfg.MQTT.Broker != "" {
		consumer, err := measurementsmqtt.NewConsumer(syncService, cfg.MQTT.TopicRoot, byte(cfg.MQTT.QoS), logger)
		if err != nil {
			logger.Fatalf("mqtt consumer error: %v", err)
		}
		client, err := consumer.Connect(measurementsmqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			logger.Fatalf("mqtt connect error: %v", err)
		}
		defer client.Disconnect(250)
	}

	keys, err := cfg.SeriesKeys()
	if err != nil {
		logger.Fatalf("scheduler series error: %v", err)
	}
	jobs := scheduler.New(scheduler.WithLogger(logger))
	refresher := scheduler.RefresherFunc(func(ctx context.Context, key measurements.SeriesKey) error {
		_, err := syncService.Refresh(ctx, key)
		return err
	})
	if err := jobs.Register(scheduler.SyncJob("sync", cfg.Scheduler.RefreshInterval, syncService, refresher, keys)); err != nil {
		logger.Fatalf("sync job error: %v", err)
	}
	if err := jobs.Register(scheduler.PurgeJob("purge", cfg.Scheduler.PurgeAt, syncService, cfg.Scheduler.Retention)); err != nil {
		logger.Fatalf("purge job error: %v", err)
	}
	if err := jobs.Start(ctx); err != nil {
		logger.Fatalf("scheduler start error: %v", err)
	}
	defer jobs.Stop()

	reconcileHandler, err := measurementshttp.NewReconcileHandler(reconciler)
	if err != nil {
		logger.Fatalf("reconcile handler error: %v", err)
	}
	seriesHandler, err := measurementshttp.NewSeriesHandler(syncService, seriesOpts...)
	if err != nil {
		logger.Fatalf("series handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.Server.JWTSecret), policy)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/measurements/reconcile", reconcileHandler)
	mux.Handle("/api/v1/measurements/anomalies", measurementshttp.NewAnomalyHandler(anomalyOpts))
	mux.Handle("/api/v1/horses/", seriesHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()
	logger.Printf("http listening on %s", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// standaloneSource stands in for the server when no base URL is configured.
type standaloneSource struct{}

func (standaloneSource) Fetch(context.Context, measurements.SeriesKey) ([]measurements.Measurement, error) {
	return nil, measurements.ErrServerUnavailable
}

func (standaloneSource) Upload(context.Context, measurements.SeriesKey, []measurements.Measurement) error {
	return measurements.ErrServerUnavailable
}
