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

	"fulfillment-engine/config"
	"fulfillment-engine/internal/api"
	"fulfillment-engine/internal/broker"
	"fulfillment-engine/internal/paymentgw"
	"fulfillment-engine/internal/redisclient"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"
	"fulfillment-engine/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel, "server"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment engine",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer(util.TracerConfig{
		ServiceName:    "fulfillment-engine",
		Environment:    cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	provider := newPaymentProvider(cfg.Payment)

	ledger := service.NewLedger(db)
	allocator := service.NewAllocator(ledger)
	inventoryService := service.NewInventoryService(db, ledger, redisClient)
	orderService := service.NewOrderService(db, allocator, eventPublisher, inventoryService)
	verifier := service.NewPaymentVerifier(db, provider, eventPublisher, cfg.Payment.KeySecret, cfg.Payment.Currency)
	reaper := service.NewReaper(db, orderService)
	callbacks := service.NewPaymentCallbackHandler(verifier, redisClient)

	if err := inventoryService.SyncAvailabilityToCache(context.Background()); err != nil {
		logger.Warn("Failed to sync availability to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	deadLetter := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeadLetter)
	defer deadLetter.Close()
	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentCallbacks, cfg.Kafka.ConsumerGroup, deadLetter)
	callbackWorker := worker.NewPaymentCallbackWorker(callbackConsumer, callbacks)
	go func() {
		if err := callbackWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment callback worker error", zap.Error(err))
		}
	}()

	if cfg.Business.ReaperEnabled {
		reaperWorker := worker.NewReaperWorker(reaper, redisClient, cfg.Business.ReaperInterval(), cfg.Business.AbandonAfter())
		go reaperWorker.Start(workerCtx)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Orders:    orderService,
		Payments:  verifier,
		Ledger:    ledger,
		Inventory: inventoryService,
		Reaper:    reaper,
	}, cfg.Business.AbandonAfter(), map[string]api.ReadinessCheck{
		"postgres": func(ctx context.Context) error { return db.GetDB().PingContext(ctx) },
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := callbackWorker.Stop(); err != nil {
		logger.Warn("Error stopping payment callback worker", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newPaymentProvider(cfg config.PaymentConfig) service.PaymentProvider {
	if cfg.Provider == "mock" {
		util.GetLogger().Warn("Using the mock payment provider")
		return paymentgw.NewMock(cfg.KeySecret)
	}
	return paymentgw.NewClient(paymentgw.Config{
		BaseURL:   cfg.BaseURL,
		KeyID:     cfg.KeyID,
		KeySecret: cfg.KeySecret,
		Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
	})
}
