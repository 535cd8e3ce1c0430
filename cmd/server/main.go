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

	"kiosk-service/config"
	"kiosk-service/internal/api"
	"kiosk-service/internal/broker"
	"kiosk-service/internal/partner"
	"kiosk-service/internal/redisclient"
	"kiosk-service/internal/service"
	"kiosk-service/internal/store"
	"kiosk-service/internal/token"
	"kiosk-service/internal/util"
	"kiosk-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting kiosk service")

	tp, err := util.InitTracer("kiosk-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSessions)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	partnerClient := partner.NewClient(cfg.Partner)
	tokenService := token.NewService(cfg.Token.Secret)

	sessionService := service.NewSessionService(db, redisClient, eventPublisher,
		cfg.Session.MaxConcurrentPerMachine, cfg.Session.DefaultTimeoutMinutes)
	catalogClient := service.NewCatalogClient(db, redisClient, partnerClient)
	correlationSource := service.NewCorrelationSource(redisClient, cfg.Partner.CorrelationPrefix)
	orchestrator := service.NewPaymentOrchestrator(sessionService, db, partnerClient,
		catalogClient, correlationSource, eventPublisher, cfg.Partner.PayType)
	pipeline := service.NewOrderPipeline(sessionService, db, partnerClient,
		tokenService, correlationSource, eventPublisher)
	webhookService := service.NewWebhookService(sessionService, pipeline, db, redisClient, eventPublisher)

	ctx := context.Background()
	if err := catalogClient.WarmCache(ctx); err != nil {
		log.Printf("Failed to warm catalog cache: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	auditConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSessions, cfg.Kafka.ConsumerGroup)
	auditWorker := worker.NewAuditWorker(auditConsumer, logger)
	go func() {
		if err := auditWorker.Start(workerCtx); err != nil {
			log.Printf("Audit worker error: %v", err)
		}
	}()

	reconciler := worker.NewCounterReconciler(db, redisClient,
		time.Duration(cfg.Session.ReconcileSeconds)*time.Second, logger)
	go reconciler.Start(workerCtx)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(sessionService, orchestrator, webhookService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	auditWorker.Stop()

	log.Println("Server exited")
}
