package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/auction"
	"github.com/crosslock-hq/crosslock-resolver/pkg/chainclient"
	"github.com/crosslock-hq/crosslock-resolver/pkg/circuitbreaker"
	"github.com/crosslock-hq/crosslock-resolver/pkg/config"
	"github.com/crosslock-hq/crosslock-resolver/pkg/escrow"
	"github.com/crosslock-hq/crosslock-resolver/pkg/executor"
	"github.com/crosslock-hq/crosslock-resolver/pkg/health"
	"github.com/crosslock-hq/crosslock-resolver/pkg/liquidity"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
	"github.com/crosslock-hq/crosslock-resolver/pkg/resolver"
	"github.com/crosslock-hq/crosslock-resolver/pkg/risk"
	"github.com/crosslock-hq/crosslock-resolver/pkg/strategy"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolverAddr := common.HexToAddress(cfg.ResolverAddress)

	// Escrow ledger and factory mirror on-chain escrow state locally so the
	// executor can track every leg of a swap.
	ledger := escrow.NewMemLedger()
	factory, err := escrow.NewFactory(resolverAddr, resolverAddr, escrow.Config{
		MinTimelock:      cfg.Escrow.MinTimelock,
		MaxTimelock:      cfg.Escrow.MaxTimelock,
		MinSafetyDeposit: cfg.Escrow.MinSafetyDeposit,
		ExclusivePeriod:  cfg.Escrow.ExclusivePeriod,
		EmergencyDelay:   escrow.DefaultEmergencyDelay,
	}, ledger)
	if err != nil {
		log.Fatalf("Failed to create escrow factory: %v", err)
	}

	breakers := circuitbreaker.NewKeyed(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.Threshold,
		cfg.CircuitBreaker.WindowDuration,
		cfg.CircuitBreaker.ResetTimeout,
		logr,
	)
	riskMgr := risk.NewManager(cfg.Risk, breakers, logr)
	liquidityMgr := liquidity.NewManager(cfg.Liquidity, logr)
	exec := executor.NewExecutor(cfg.Executor, cfg.Escrow, factory, resolverAddr, liquidityMgr, logr)
	// Confirmed maker deposits are credited into the mirror ledger so escrow
	// funding can settle locally.
	exec.SetMirror(ledger)

	// Connect to every configured chain. Each client doubles as the balance
	// source for that chain's liquidity pools.
	clients := make(map[int]*chainclient.EVMClient, len(cfg.Chains))
	for chainID, chainCfg := range cfg.Chains {
		client, err := chainclient.Connect(chainCfg, cfg.PrivateKey, logr)
		if err != nil {
			log.Fatalf("Failed to connect to chain %d: %v", chainID, err)
		}
		clients[chainID] = client
		liquidityMgr.SetSource(chainID, client)
		exec.RegisterClient(client)
	}
	defer func() {
		for _, client := range clients {
			client.Close()
		}
	}()

	// Seed the pools from live balances: the native asset plus every ERC20
	// token configured for the chain. RefreshBalances only updates pools that
	// already exist, so each token the resolver trades must be registered
	// here. Ledger mints mirror the same balances for local settlement.
	for chainID, client := range clients {
		assets := append([]common.Address{escrow.NativeAsset}, cfg.Chains[chainID].Tokens...)
		for _, asset := range assets {
			balance, err := client.GetBalance(ctx, asset)
			if err != nil {
				log.Fatalf("Failed to read balance of %s on chain %d: %v", asset.Hex(), chainID, err)
			}
			liquidityMgr.AddPool(chainID, asset, balance)
			ledger.Mint(resolverAddr, asset, balance)
		}
	}

	// Rebalancing alerts operators to bridge funds by hand; no automated
	// bridge is wired in.
	liquidityMgr.SetStrategy(&liquidity.RebalanceStrategy{
		Threshold: cfg.Liquidity.RebalanceThreshold,
		Cooldown:  cfg.Liquidity.RebalanceCooldown,
		MaxMove:   cfg.Liquidity.RebalanceMaxMove,
	})
	liquidityMgr.SetTransferInitiator(liquidity.NewManualTransfers(logr))

	engine := strategy.NewEngine(cfg.Strategy, logr)
	feed := auction.NewHTTPFeed(cfg.DiscoveryEndpoint, logr)
	participant := auction.NewParticipant(feed, engine, cfg.ResolverAddress, cfg.PollingInterval, logr)

	service := resolver.NewService(cfg, liquidityMgr, exec, participant, riskMgr, logr)

	healthServer := health.NewServer(cfg.MetricsPort, service, breakers, logr)
	go healthServer.Start()

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	log.Println("Starting the resolver service...")
	if err := service.Start(ctx); err != nil {
		log.Fatalf("Failed to start resolver service: %v", err)
	}

	<-signalCh
	log.Println("Received termination signal, shutting down gracefully...")

	service.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)
}
