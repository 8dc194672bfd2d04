// Guardian - social recovery coordinator for smart contract wallets
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"

	"github.com/mbd888/guardian/internal/auth"
	"github.com/mbd888/guardian/internal/chain"
	"github.com/mbd888/guardian/internal/config"
	"github.com/mbd888/guardian/internal/coordinator"
	"github.com/mbd888/guardian/internal/health"
	"github.com/mbd888/guardian/internal/kvstore"
	"github.com/mbd888/guardian/internal/logging"
	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/notify"
	"github.com/mbd888/guardian/internal/passkeys"
	"github.com/mbd888/guardian/internal/security"
	"github.com/mbd888/guardian/internal/server"
	"github.com/mbd888/guardian/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting guardian",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, traces.Settings{
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       !cfg.IsProduction(),
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithCloser("tracing", func() error {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return shutdownTracing(sctx)
		}),
	}

	store, storeOpts, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, storeOpts...)
	opts = append(opts, server.WithReplayGuard(auth.NewReplayGuard(store)))

	notifier, notifyOpts, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, notifyOpts...)

	platform, chainOpts, err := setupChain(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, chainOpts...)

	svc := coordinator.New(coordinator.Config{
		Store:    store,
		Platform: platform,
		Notifier: notifier,
		Logger:   logger,
	})

	srv, err := server.New(cfg, svc, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kvstore.Store, []server.Option, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client, err := kvstore.NewRedisClient(ctx, kvstore.RedisSettings{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TLSEnabled: cfg.RedisTLS,
		})
		if err != nil {
			return nil, nil, err
		}
		store := kvstore.NewRedisStore(client)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
		return store, []server.Option{server.WithCloser("redis", store.Close)}, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}

		store := kvstore.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		go purgeExpired(ctx, store, logger)

		logger.Info("using postgres store")
		return store, []server.Option{server.WithCloser("postgres", db.Close)}, nil

	default:
		logger.Warn("using in-memory store; state is lost on restart")
		return kvstore.NewMemoryStore(), nil, nil
	}
}

// purgeExpired deletes expired rows until ctx is done.
func purgeExpired(ctx context.Context, store *kvstore.PostgresStore, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge expired rows", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired rows", "count", n)
			}
		}
	}
}

// buildNotifier fans events out to the log and, when configured, a webhook
// endpoint and a Kafka topic.
func buildNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, []server.Option, error) {
	multi := notify.Multi{notify.NewLogNotifier(logger)}
	var opts []server.Option

	if cfg.WebhookURL != "" {
		wh := notify.NewWebhookNotifier(logger).
			WithEndpointPolicy(security.EndpointPolicy{RequireHTTPS: cfg.IsProduction()})
		if err := wh.AddEndpoint(notify.Endpoint{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}); err != nil {
			return nil, nil, err
		}
		multi = append(multi, wh)
		opts = append(opts,
			server.WithHealthCheck("webhooks", false, health.OpenCircuits(wh.OpenEndpoints)),
			server.WithCloser("webhooks", func() error {
				wh.Wait()
				return nil
			}),
		)
	}

	if len(cfg.KafkaBrokers) > 0 {
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = "guardian.recovery-events"
		}
		kn, err := notify.NewKafkaNotifier(notify.KafkaSettings{
			Brokers: cfg.KafkaBrokers,
			Topic:   topic,
			Service: "guardian",
			Env:     cfg.Env,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		multi = append(multi, kn)
		opts = append(opts, server.WithCloser("kafka", kn.Close))
		logger.Info("publishing events to kafka", "topic", topic)
	}

	return multi, opts, nil
}

// setupChain connects to the RPC endpoint when one is configured. The
// connection backs the wallet owner lookup for first owner claims, the P-256
// probe when no static chain list is given, and the owner rotation executor
// when a relayer key is set.
func setupChain(cfg *config.Config, logger *slog.Logger) (passkeys.PlatformSupport, []server.Option, error) {
	static := passkeys.NewStaticSupport(uint64(cfg.ChainID), cfg.P256ChainIDs)
	if cfg.RPCURL == "" {
		logger.Warn("RPC_URL not set; first owner claims cannot be verified on chain")
		return static, nil, nil
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	opts := []server.Option{server.WithCloser("rpc", func() error {
		client.Close()
		return nil
	})}

	owners, err := chain.NewOwnerReader(client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	opts = append(opts, server.WithOwnerLookup(owners))

	var platform passkeys.PlatformSupport = static
	if len(cfg.P256ChainIDs) == 0 {
		probe, err := chain.NewPrecompileProbe(client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		platform = probe
	}

	if cfg.ExecutorKey == "" {
		logger.Warn("EXECUTOR_PRIVATE_KEY not set; executed recoveries will not rotate owners on chain")
		return platform, opts, nil
	}

	executor, err := chain.NewEthExecutor(chain.Config{
		PrivateKey: cfg.ExecutorKey,
		ChainID:    cfg.ChainID,
	}, chain.WithClient(client))
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("create executor: %w", err)
	}
	logger.Info("owner rotation enabled", "relayer", executor.Address())
	opts = append(opts,
		server.WithExecutor(executor),
		server.WithHealthCheck("chain", false, health.Ping(executor.Ping)),
	)
	return platform, opts, nil
}
