package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/api"
	"perp-trading-bot/internal/auth"
	"perp-trading-bot/internal/cache"
	"perp-trading-bot/internal/circuit"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/engine"
	"perp-trading-bot/internal/events"
	"perp-trading-bot/internal/exchange"
	"perp-trading-bot/internal/ledger"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/orders"
	"perp-trading-bot/internal/risk"
	"perp-trading-bot/internal/strategy"
	"perp-trading-bot/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load configuration")
	}

	log := logging.New(cfg.LoggingConfig)
	log.Info().
		Bool("paper_trading", cfg.ExchangeConfig.PaperTrading).
		Strs("symbols", cfg.TradingConfig.Symbols).
		Msg("starting perp trading bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("bot exited with error")
	}
	log.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ex, paper, err := buildExchange(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Persistence is optional; the bot runs memory-only without it.
	var repo *database.Repository
	if cfg.DatabaseConfig.Enabled {
		db, err := database.New(ctx, cfg.DatabaseConfig, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
		repo = database.NewRepository(db)
	}

	var mirror *cache.Mirror
	if cfg.RedisConfig.Enabled {
		mirror = cache.NewMirror(cfg.RedisConfig, log)
		defer mirror.Close()
	}

	led := buildLedger(ctx, cfg, repo, log)

	riskMgr := risk.NewManager(cfg.RiskConfig, cfg.TradingConfig.MaxOpenPositions, log)
	riskMgr.UpdateEquity(led.Balance())

	bus := events.NewBus()
	if mirror != nil {
		bus.SubscribeAll(func(event events.Event) {
			mirror.SetLastEvent(context.Background(), event)
		})
	}

	engineDeps := engine.Deps{
		Cfg:      cfg,
		Exchange: ex,
		Paper:    paper,
		Ledger:   led,
		Risk:     riskMgr,
		Trail:    risk.NewTrailingStops(cfg.RiskConfig, log),
		Orders:   orders.NewManager(ex, bus, log),
		Breaker:  circuit.NewBreaker(cfg.CircuitBreakerConfig, log),
		Bus:      bus,
		Mirror:   mirror,
		Log:      log,
	}
	// Assign only a live repository; a nil *Repository in the interface
	// would defeat the engine's nil checks.
	if repo != nil {
		engineDeps.Repo = repo
	}
	eng := engine.New(engineDeps)
	registerStrategies(eng, cfg)

	var authSvc *auth.Service
	if cfg.AuthConfig.Enabled {
		authSvc = auth.NewService(cfg.AuthConfig)
	}

	server := api.NewServer(api.Deps{
		Cfg:    cfg,
		Engine: eng,
		Ex:     ex,
		Ledger: led,
		Repo:   repo,
		Auth:   authSvc,
		Bus:    bus,
		Log:    log,
	})

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if mirror != nil {
		mirror.SetStatus(ctx, "running")
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}

	eng.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if mirror != nil {
		mirror.SetStatus(shutdownCtx, "stopped")
	}
	return nil
}

// buildExchange returns the trading venue: the simulated paper engine, or
// the live futures client with credentials from Vault when configured.
func buildExchange(ctx context.Context, cfg *config.Config, log zerolog.Logger) (exchange.Exchange, *exchange.PaperExchange, error) {
	if cfg.ExchangeConfig.PaperTrading {
		feed := exchange.NewSimulatedFeed(time.Now().UnixNano())
		paper := exchange.NewPaperExchange(feed, exchange.PaperConfig{
			InitialBalance:        cfg.TradingConfig.InitialBalance,
			TakerFeeRate:          cfg.RiskConfig.TakerFeeRate,
			MakerFeeRate:          cfg.RiskConfig.MakerFeeRate,
			MaintenanceMarginRate: cfg.RiskConfig.MaintenanceMarginRate,
			DefaultLeverage:       cfg.TradingConfig.DefaultLeverage,
		}, log)
		return paper, paper, nil
	}

	apiKey := cfg.ExchangeConfig.APIKey
	secretKey := cfg.ExchangeConfig.SecretKey
	testnet := cfg.ExchangeConfig.TestNet

	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := vc.Health(ctx); err != nil {
			return nil, nil, err
		}
		creds, err := vc.GetCredentials(ctx)
		if err != nil {
			return nil, nil, err
		}
		apiKey = creds.APIKey
		secretKey = creds.SecretKey
		testnet = creds.Testnet
		log.Info().Msg("exchange credentials loaded from vault")
	}

	client := exchange.NewBinanceClient(apiKey, secretKey, cfg.ExchangeConfig.BaseURL, testnet, log)
	return client, nil, nil
}

// buildLedger creates the balance/position ledger, warm-started from the
// database when one is configured.
func buildLedger(ctx context.Context, cfg *config.Config, repo *database.Repository, log zerolog.Logger) *ledger.Ledger {
	var store ledger.Store
	if repo != nil {
		store = repo
	}
	led := ledger.New(cfg.TradingConfig.InitialBalance, store, log)

	if repo != nil {
		balance, ok, err := repo.LastBalance(ctx)
		if err != nil {
			log.Error().Err(err).Msg("load last balance failed")
		} else if ok {
			positions, err := repo.LoadPositions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("load positions failed")
				positions = nil
			}
			led.Restore(balance, positions)
		}
	}
	return led
}

func registerStrategies(eng *engine.Engine, cfg *config.Config) {
	for _, symbol := range cfg.TradingConfig.Symbols {
		eng.RegisterStrategy(strategy.NewMomentum(strategy.MomentumConfig{
			Symbol:   symbol,
			Interval: cfg.TradingConfig.Interval,
		}))
		eng.RegisterStrategy(strategy.NewMeanReversion(strategy.MeanReversionConfig{
			Symbol:   symbol,
			Interval: cfg.TradingConfig.Interval,
		}))
	}
}
