package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jamesxu042/custody-service/internal/chain"
	"github.com/jamesxu042/custody-service/internal/config"
	"github.com/jamesxu042/custody-service/internal/ledger"
	"github.com/jamesxu042/custody-service/internal/lockmgr"
	"github.com/jamesxu042/custody-service/internal/logger"
	"github.com/jamesxu042/custody-service/internal/model"
	"github.com/jamesxu042/custody-service/internal/reconciler"
	"github.com/jamesxu042/custody-service/internal/repo"
	"github.com/jamesxu042/custody-service/internal/scanner"
	"github.com/jamesxu042/custody-service/internal/service"
	httptransport "github.com/jamesxu042/custody-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Account{}, &model.Transaction{},
		&model.ProcessedDeposit{}, &model.AccountLock{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. chain gateway
	gw := chain.NewClient(cfg.Chain.Endpoint, cfg.Chain.Denom)

	// 7. repo & domain components
	repository := repo.NewRepository(gdb, rdb, kw, log)
	ldg := ledger.New(repository, log)
	locks := lockmgr.NewManager(repository, gw, log, cfg.Locks.TTL)

	tolerance, err := decimal.NewFromString(cfg.Reconciler.Tolerance)
	if err != nil {
		log.Fatalf("parse tolerance: %v", err)
	}
	alertThreshold, err := decimal.NewFromString(cfg.Reconciler.AlertThreshold)
	if err != nil {
		log.Fatalf("parse alert threshold: %v", err)
	}
	recon := reconciler.New(ldg, gw, log, cfg.Chain.CustodialAddress, tolerance, alertThreshold)

	ctx := context.Background()
	scan, err := scanner.New(ctx, ldg, repository, gw, log, cfg.Chain.CustodialAddress, cfg.Chain.Denom)
	if err != nil {
		log.Fatalf("init scanner: %v", err)
	}

	svc := service.NewCustodyService(ldg, locks, recon, repository, gw, log, cfg.Chain, cfg.Locks.TTL)

	// 8. background loops
	go scan.Run(ctx, cfg.Scanner.Interval)
	go recon.Run(ctx, cfg.Reconciler.Interval)
	go locks.Run(ctx, cfg.Locks.SweepInterval)

	// 9. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 10. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("custody-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
