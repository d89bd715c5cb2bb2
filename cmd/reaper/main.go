// Command reaper runs one abandonment sweep and exits. It is meant for cron
// style schedulers; the server also sweeps on its own interval.
//
// Exit codes: 0 swept (or lock held elsewhere), 1 setup failure, 2 sweep failure,
// 3 some orders could not be cancelled.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-engine/config"
	"fulfillment-engine/internal/broker"
	"fulfillment-engine/internal/redisclient"
	"fulfillment-engine/internal/service"
	"fulfillment-engine/internal/store"
	"fulfillment-engine/internal/util"
	"fulfillment-engine/internal/worker"

	"go.uber.org/zap"
)

const (
	exitOK = iota
	exitSetup
	exitSweep
	exitPartial
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	threshold := flag.Duration("threshold", cfg.Business.AbandonAfter(), "cancel PENDING orders older than this")
	useLock := flag.Bool("lock", true, "take the shared reaper lock in Redis")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel, "reaper"); err != nil {
		log.Printf("Failed to initialize logger: %v", err)
		return exitSetup
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	if *threshold < service.MinAbandonThreshold {
		logger.Error("Threshold too short",
			zap.Duration("threshold", *threshold),
			zap.Duration("minimum", service.MinAbandonThreshold))
		return exitSetup
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Error("Failed to connect to database", zap.Error(err))
		return exitSetup
	}
	defer db.Close()

	var redisClient *redisclient.Client
	if *useLock {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", zap.Error(err))
			return exitSetup
		}
		defer redisClient.Close()
	}

	var cache service.AvailabilityCache
	if redisClient != nil {
		cache = redisClient
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()

	ledger := service.NewLedger(db)
	orders := service.NewOrderService(db, service.NewAllocator(ledger), broker.NewEventPublisher(producer),
		service.NewInventoryService(db, ledger, cache))
	reaper := service.NewReaper(db, orders)

	ran, result, err := worker.NewReaperWorker(reaper, redisClient, *timeout, *threshold).RunOnce(ctx)
	if err != nil {
		logger.Error("Sweep failed", zap.Error(err))
		return exitSweep
	}
	if !ran {
		logger.Info("Another reaper holds the lock, nothing to do")
		return exitOK
	}
	if result.Failed > 0 {
		return exitPartial
	}
	return exitOK
}
