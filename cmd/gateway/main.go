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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/imaging-gateway/internal/assembler"
	"github.com/otcheredev/imaging-gateway/internal/broker"
	"github.com/otcheredev/imaging-gateway/internal/cache"
	"github.com/otcheredev/imaging-gateway/internal/config"
	"github.com/otcheredev/imaging-gateway/internal/database"
	"github.com/otcheredev/imaging-gateway/internal/export"
	"github.com/otcheredev/imaging-gateway/internal/handlers"
	"github.com/otcheredev/imaging-gateway/internal/hl7"
	"github.com/otcheredev/imaging-gateway/internal/middleware"
	"github.com/otcheredev/imaging-gateway/internal/plugins"
	"github.com/otcheredev/imaging-gateway/internal/repository"
	"github.com/otcheredev/imaging-gateway/internal/scp"
	"github.com/otcheredev/imaging-gateway/internal/services"
	"github.com/otcheredev/imaging-gateway/internal/storage"
	"github.com/otcheredev/imaging-gateway/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting Imaging Informatics Gateway")

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled && cfg.Cache.Type == "redis" {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		cacheImpl, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		log.Info().Msg("Redis cache initialized")
	} else {
		cacheImpl = cache.NewMemoryCache()
		log.Info().Msg("Memory cache initialized")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Initialize repositories
	aeRepo := repository.NewAeTitleRepository()
	metaRepo := repository.NewMetadataRepository(cfg.Database.RetryDelays)
	payloadRepo := repository.NewPayloadRepository(cfg.Database.RetryDelays)
	inferenceRepo := repository.NewInferenceRepository(cfg.Database.RetryDelays, len(cfg.Export.RetryDelays))
	assocRepo := repository.NewAssociationRepository(cfg.Database.RetryDelays)
	remoteRepo := repository.NewRemoteAppRepository(cfg.Database.RetryDelays)

	// Object store and local buffering
	objectStore, err := storage.NewS3ObjectStore(rootCtx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}
	tempWriter, err := storage.NewTempWriter(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize temporary storage")
	}
	diskInfo := storage.NewDiskInfoProvider(cfg.Storage.LocalTemporaryPath, cfg.Storage.WatermarkPercent, cfg.Storage.ReserveSpaceGB)

	// Upload queue seeds itself from rows that survived a restart.
	uploadQueue := storage.NewUploadQueue(cfg.Storage.ConcurrentUploads)
	if err := uploadQueue.Seed(rootCtx, metaRepo); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed upload queue")
	}
	uploadWorker := storage.NewUploadWorker(uploadQueue, objectStore, metaRepo, cfg.Storage.TemporaryBucketName, cfg.Storage.ConcurrentUploads, cfg.Storage.RetryDelays)

	// Message bus
	publisher := broker.NewKafkaPublisher(cfg.Kafka)
	defer publisher.Close()

	// Payload assembly and notification
	asm := assembler.New(payloadRepo, metaRepo, objectStore, cfg.Storage.BucketName, cfg.Storage.PayloadProcessThreads)
	notifier := assembler.NewNotifier(asm, payloadRepo, metaRepo, publisher, cfg.Kafka.WorkflowRequestTopic, cfg.Storage.BucketName, cfg.Storage.PayloadProcessThreads, cfg.Storage.RetryDelays)

	// Shared ingest path
	ingest := services.NewIngestService(tempWriter, uploadQueue, metaRepo, asm, diskInfo)

	// DIMSE SCP
	scpHandler := scp.NewGatewayHandler(aeRepo, assocRepo, ingest, cacheImpl, cfg.Dimse.RejectUnknownSources)
	scpServer := scp.NewServer(scp.Config{
		Port:                       cfg.Dimse.ScpPort,
		MaxAssociations:            cfg.Dimse.MaxAssociations,
		VerificationServiceEnabled: cfg.Dimse.VerificationServiceEnabled,
		IdleTimeout:                cfg.Dimse.IdleTimeout,
	}, scpHandler)

	// HL7 MLLP listener
	hl7Listener := hl7.NewListener(hl7.Config{
		Port:           cfg.Hl7.Port,
		GroupingWindow: cfg.Hl7.GroupingWindow,
	}, ingest)

	// Export pipelines
	outputChain, err := plugins.ResolveOutputChain(cfg.Export.PlugIns)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve output plug-in chain")
	}
	dicomWebSender := export.NewDicomWebSender(inferenceRepo, cfg.DicomWeb.ClientTimeoutSeconds)
	dicomWebExport := export.NewService(
		broker.NewKafkaSubscriber(cfg.Kafka, cfg.Kafka.ExportRequestTopic),
		publisher, cfg.Kafka.ExportCompleteTopic,
		objectStore, cfg.Storage.BucketName, diskInfo,
		dicomWebSender, cfg.Export.Concurrency, cfg.Export.RetryDelays, outputChain,
	)
	dimseSender := export.NewDimseSender(aeRepo, remoteRepo, cfg.Dimse.ScuAETitle, time.Duration(cfg.DicomWeb.ClientTimeoutSeconds)*time.Second)
	defer dimseSender.Close()
	dimseExport := export.NewService(
		broker.NewKafkaSubscriber(cfg.Kafka, cfg.Kafka.ExportRequestDimseTopic),
		publisher, cfg.Kafka.ExportCompleteTopic,
		objectStore, cfg.Storage.BucketName, diskInfo,
		dimseSender, cfg.Export.Concurrency, cfg.Export.RetryDelays, outputChain,
	)

	// Background component lifecycle, started in dependency order.
	runner := services.NewRunner(30 * time.Second)
	runner.Register("object-upload", uploadWorker)
	runner.Register("payload-assembler", asm)
	runner.Register("payload-notifier", notifier)
	runner.Register("dicom-scp", scpServer)
	runner.Register("hl7-listener", hl7Listener)
	runner.Register("export-dicomweb", dicomWebExport)
	runner.Register("export-dimse", dimseExport)
	runner.Register("remote-app-sweeper", newSweeper(remoteRepo))

	if err := runner.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start background services")
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(runner)
	stowHandler := handlers.NewStowHandler(ingest, aeRepo)
	fhirHandler := handlers.NewFhirHandler(ingest, cfg.Hl7.GroupingWindow)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/status", healthHandler.Status)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// DICOMweb STOW-RS
	r.Route("/dicomweb", func(r chi.Router) {
		r.Post("/studies", stowHandler.Store)
		r.Post("/studies/{studyUID}", stowHandler.Store)
		r.Post("/{workflow}/studies", stowHandler.Store)
		r.Post("/{workflow}/studies/{studyUID}", stowHandler.Store)
	})

	// FHIR ingest
	r.Post("/fhir/{resourceType}", fhirHandler.Create)

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Graceful shutdown: HTTP first, then background services in reverse.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	runner.Stop()
	rootCancel()

	log.Info().Msg("Gateway stopped")
}

// sweeper purges expired remote-app execution records once an hour.
func newSweeper(repo *repository.RemoteAppRepository) services.Component {
	var cancel context.CancelFunc
	done := make(chan struct{})
	return services.ComponentFunc{
		StartFunc: func(ctx context.Context) error {
			ctx, cancel = context.WithCancel(ctx)
			go func() {
				defer close(done)
				ticker := time.NewTicker(time.Hour)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if removed, err := repo.PurgeExpired(ctx); err != nil {
							log.Warn().Err(err).Msg("Failed to purge remote app executions")
						} else if removed > 0 {
							log.Info().Int64("removed", removed).Msg("Purged expired remote app executions")
						}
					}
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
