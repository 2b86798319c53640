// Command marketd runs the off-chain marketplace gateway: the HTTP API,
// the websocket fan-out and the order lifecycle engine behind them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/api"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/auth"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/bus"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/chain"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/config"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/dispatch"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/market"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/store"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/ws"
	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// .env is optional; environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	st, err := store.New(db, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	var (
		challenges auth.Store
		backplane  ws.Backplane
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		challenges = auth.NewRedisStore(rdb, cfg.Challenge.TTL)
		backplane = ws.NewRedisBackplane(rdb, log)
	} else {
		log.Warn("redis disabled, running single-instance")
		challenges = auth.NewMemoryStore(cfg.Challenge.TTL)
		backplane = ws.NewLoopbackBackplane()
	}
	verifier := auth.NewVerifier(challenges)

	specs := make([]market.ChainSpec, 0, len(cfg.Chains))
	oracles := make(map[int64]chain.Oracle, len(cfg.Chains))
	for _, cc := range cfg.Chains {
		oracle, err := chain.NewRPCOracle(cc.Endpoint, cc.Hub, cc.ERlc, cc.OracleTimeout, log)
		if err != nil {
			return fmt.Errorf("chain %d oracle: %w", cc.ID, err)
		}
		defer oracle.Close()
		oracles[cc.ID] = oracle
		specs = append(specs, market.ChainSpec{
			ID:         cc.ID,
			Name:       cc.Name,
			Hub:        cc.Hub,
			Enterprise: cc.Enterprise,
		})
		log.Info("chain configured",
			zap.Int64("chainId", cc.ID),
			zap.String("name", cc.Name),
			zap.Bool("enterprise", cc.Enterprise))
	}

	eventBus := bus.New(log)
	dispatcher := dispatch.New(log, cfg.Dispatch.Workers, cfg.Dispatch.QueueDepth)
	defer dispatcher.Close()

	hub, err := ws.NewHub(ctx, backplane, log)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}
	ws.NewBridge(eventBus, hub, dispatcher, log)

	marketSvc := market.New(st, verifier, specs, oracles, eventBus, log)
	server := api.NewServer(log, marketSvc, verifier, hub)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	}
}
