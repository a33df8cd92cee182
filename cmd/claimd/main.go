package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/upon-ly/qr-claimd/internal/alert"
	"github.com/upon-ly/qr-claimd/internal/amount"
	"github.com/upon-ly/qr-claimd/internal/chain/evm"
	"github.com/upon-ly/qr-claimd/internal/claims"
	"github.com/upon-ly/qr-claimd/internal/config"
	"github.com/upon-ly/qr-claimd/internal/metrics"
	"github.com/upon-ly/qr-claimd/internal/queue"
	"github.com/upon-ly/qr-claimd/internal/scoring"
	"github.com/upon-ly/qr-claimd/internal/server"
	"github.com/upon-ly/qr-claimd/internal/store/postgres"
	redispkg "github.com/upon-ly/qr-claimd/internal/store/redis"
	"github.com/upon-ly/qr-claimd/internal/tracing"
	"github.com/upon-ly/qr-claimd/internal/wallet"
)

const dbPoolStatsInterval = 15 * time.Second

type dbStatsProvider interface {
	Stats() sql.DBStats
}

// collectDBPoolStats mirrors the sql pool counters into prometheus gauges.
func collectDBPoolStats(db dbStatsProvider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
	metrics.DBPoolInUse.Set(float64(stats.InUse))
	metrics.DBPoolIdle.Set(float64(stats.Idle))
	metrics.DBPoolWaitCount.Set(float64(stats.WaitCount))
	metrics.DBPoolWaitDurationSeconds.Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, logger *slog.Logger) {
	if db == nil {
		return
	}

	ticker := time.NewTicker(dbPoolStatsInterval)
	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func parseMinNativeWei(raw string) (*big.Int, error) {
	wei, ok := new(big.Int).SetString(raw, 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("MIN_NATIVE_WEI must be a non-negative decimal integer, got %q", raw)
	}
	return wei, nil
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) *alert.MultiAlerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting claimd",
		"chain_rpc", cfg.Chain.RPCURL,
		"chain_id", cfg.Chain.ChainID,
		"token", cfg.Chain.TokenAddress,
		"wallet_purposes", len(cfg.Wallets.Purposes),
		"funding_monitor", cfg.Funding.Enabled,
		"port", cfg.Server.Port,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "claimd",
		cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if dir := os.Getenv("DB_MIGRATIONS_DIR"); dir != "" {
		if err := db.RunMigrations(dir); err != nil {
			logger.Error("migrations failed", "dir", dir, "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "dir", dir)
	}

	redisClient, err := redispkg.New(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	locker := redispkg.NewLocker(redisClient)
	statusStore := redispkg.NewStatusStore(redisClient)

	chainClient, err := evm.NewClient(context.Background(), evm.Config{
		RPCURL:       cfg.Chain.RPCURL,
		ChainID:      cfg.Chain.ChainID,
		PollInterval: cfg.Chain.ReceiptPollInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to chain rpc", "error", err)
		os.Exit(1)
	}

	pool, err := wallet.NewPool(cfg.Wallets, locker, logger)
	if err != nil {
		logger.Error("failed to build wallet pool", "error", err)
		os.Exit(1)
	}

	claimRepo := postgres.NewClaimRepo(db)
	failureRepo := postgres.NewFailureRepo(db)
	banRepo := postgres.NewBanRepo(db)
	tierRepo := postgres.NewTierRepo(db)

	token := common.HexToAddress(cfg.Chain.TokenAddress)
	scorer := scoring.NewClient(cfg.Scoring, logger)
	amounts := amount.NewDeterminer(chainClient, scorer, tierRepo, token, logger)

	publisher := queue.NewHTTPPublisher(cfg.Queue.URL, cfg.Queue.Token, cfg.Queue.PublishTimeout, logger)
	verifier := queue.NewVerifier(cfg.Queue.SigningKey, cfg.Queue.NextSigningKey)

	alerter := buildAlerter(cfg.Alert, logger)
	health := claims.NewHealth(alerter, logger)

	minNativeWei, err := parseMinNativeWei(cfg.Claims.MinNativeWei)
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	processor := claims.NewProcessor(claims.Config{
		Token:                 token,
		TokenDecimals:         cfg.Chain.TokenDecimals,
		MinNativeWei:          minNativeWei,
		ApprovalWhole:         cfg.Claims.ApprovalWhole,
		DedupLockTTL:          cfg.Claims.DedupLockTTL,
		CallbackURL:           cfg.Queue.CallbackURL,
		SourceFromFID:         cfg.Claims.SourceFromFID,
		ReceiptTimeout:        cfg.Chain.ReceiptTimeout,
		WelcomeReceiptTimeout: cfg.Chain.WelcomeReceiptTimeout,
	}, failureRepo, claimRepo, banRepo, amounts, pool, chainClient, locker, statusStore, publisher, alerter, health, logger)

	rateLimiter := server.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	srv := server.New(server.Config{
		AdminToken:      cfg.Server.AdminToken,
		CallbackURL:     cfg.Queue.CallbackURL,
		InitialDelaySec: cfg.Queue.InitialDelaySec,
	}, processor, verifier, publisher, failureRepo, banRepo, tierRepo, statusStore, pool, health, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Handler(rateLimiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		go func() {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server shutdown error", "error", err)
			}
		}()
		logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Funding.Enabled {
		monitor := wallet.NewMonitor(wallet.MonitorConfig{
			Token:         token,
			TokenDecimals: cfg.Chain.TokenDecimals,
			Schedule:      cfg.Funding.SweepSchedule,
			MinNativeWei:  minNativeWei,
			MinTokenWhole: cfg.Funding.MinTokenWhole,
		}, pool, chainClient, alerter, logger)
		if err := monitor.Start(gCtx); err != nil {
			logger.Error("failed to start funding monitor", "error", err)
			os.Exit(1)
		}
		defer monitor.Stop()
	}

	startDBPoolStatsPump(gCtx, db.DB, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("claimd exited with error", "error", err)
		os.Exit(1)
	}

	health.SetInactive()
	logger.Info("claimd shut down gracefully")
}
