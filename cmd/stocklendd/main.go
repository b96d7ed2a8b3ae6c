package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"stocklend/adapters"
	"stocklend/config"
	nativecommon "stocklend/native/common"
	"stocklend/native/shortpool"
	"stocklend/observability/logging"
	"stocklend/rpc"
	"stocklend/state"
	"stocklend/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STOCKLEND_ENV"))
	logger := logging.Setup("stocklendd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	engine, err := buildEngine(cfg, db)
	if err != nil {
		logger.Error("Failed to assemble pool engine", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(engine, logger, rpc.ServerConfig{
		AuthToken:         cfg.RPCAuthToken(),
		RequestsPerMinute: cfg.RequestsPerMinute,
	})

	logger.Info("stocklendd starting",
		slog.String("ticker", engine.Ticker()),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("dataDir", cfg.DataDir),
		slog.Bool("paused", cfg.ShortPool.Paused),
	)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildEngine(cfg *config.Config, db storage.Database) (*shortpool.Engine, error) {
	moduleAccount, err := shortpool.ParseAddress(cfg.ShortPool.ModuleAccount)
	if err != nil {
		return nil, fmt.Errorf("module account: %w", err)
	}

	engine := shortpool.NewEngine(cfg.ShortPool.Ticker, moduleAccount, shortpool.RiskParameters{
		LiquidationThresholdBps: cfg.ShortPool.LiquidationThresholdBps,
	})

	manager := state.NewManager(db)
	engine.SetState(manager)

	custodyClient, err := adapters.NewClient(adapters.Config{BaseURL: cfg.Custody.BaseURL, BearerToken: cfg.Custody.AuthToken()})
	if err != nil {
		return nil, fmt.Errorf("custody client: %w", err)
	}
	reserveClient, err := adapters.NewClient(adapters.Config{BaseURL: cfg.Reserve.BaseURL, BearerToken: cfg.Reserve.AuthToken()})
	if err != nil {
		return nil, fmt.Errorf("reserve client: %w", err)
	}
	oracleClient, err := adapters.NewClient(adapters.Config{BaseURL: cfg.Oracle.BaseURL, BearerToken: cfg.Oracle.AuthToken()})
	if err != nil {
		return nil, fmt.Errorf("oracle client: %w", err)
	}
	exchangeClient, err := adapters.NewClient(adapters.Config{BaseURL: cfg.Exchange.BaseURL, BearerToken: cfg.Exchange.AuthToken()})
	if err != nil {
		return nil, fmt.Errorf("exchange client: %w", err)
	}

	engine.SetCollaborators(
		adapters.NewCustody(custodyClient),
		adapters.NewReserve(reserveClient),
		adapters.NewOracle(oracleClient),
		adapters.NewExchange(exchangeClient),
		manager,
	)
	engine.SetPauses(nativecommon.StaticPauses{"shortpool": cfg.ShortPool.Paused})
	return engine, nil
}
