package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/yakoovad/review-payouts/internal/api"
	"github.com/yakoovad/review-payouts/internal/config"
	"github.com/yakoovad/review-payouts/internal/db"
	"github.com/yakoovad/review-payouts/internal/payment"
	"github.com/yakoovad/review-payouts/internal/repository"
	"github.com/yakoovad/review-payouts/internal/service"
	"github.com/yakoovad/review-payouts/pkg/logger"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(err)
	}

	l, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, l)

	l.Info("starting application")

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		l.Fatal("invalid database dsn", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.Database.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		l.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err = pool.Ping(ctx); err != nil {
		l.Fatal("failed to ping database", zap.Error(err))
	}

	if err = db.RunMigrations(pool); err != nil {
		l.Fatal("failed to run migrations", zap.Error(err))
	}

	l.Info("database connection established")

	chain, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		l.Fatal("failed to dial chain rpc", zap.Error(err))
	}
	defer chain.Close()

	executor, err := payment.NewExecutor(chain, payment.Config{
		PrivateKey:     cfg.Chain.PrivateKey,
		ChainID:        cfg.Chain.ID,
		GasLimit:       cfg.Chain.GasLimit,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	})
	if err != nil {
		l.Fatal("failed to create payment executor", zap.Error(err))
	}

	if err = executor.CheckNetwork(ctx); err != nil {
		l.Warn("chain network check failed", zap.Error(err))
	}

	l.Info("payment executor ready",
		zap.String("address", executor.Address()),
		zap.Int64("chain_id", cfg.Chain.ID))

	transactor := db.NewPgxTransactor(pool)

	userRepo := repository.NewPgxUserRepository(pool)
	prRepo := repository.NewPgxPullRequestRepository(pool)
	reviewRepo := repository.NewPgxReviewRepository(pool)
	deliveryRepo := repository.NewPgxDeliveryRepository(pool)

	events := service.NewEventService(transactor).
		WithUserRepo(userRepo).
		WithPullRequestRepo(prRepo).
		WithReviewRepo(reviewRepo).
		WithDeliveryRepo(deliveryRepo)
	reviews := service.NewReviewService().WithReviewRepo(reviewRepo)
	claims := service.NewClaimService().WithReviewRepo(reviewRepo).WithPaymentExecutor(executor)

	go service.NewPendingPaymentWatcher(claims, cfg.Chain.PendingSweepInterval).Start(ctx)

	health := api.MustNewHealthChecker(
		api.PingCheck("postgres", 2*time.Second, pool.Ping),
		api.PingCheck("chain", 5*time.Second, executor.CheckNetwork),
	)

	e := echo.New()
	e.HideBanner = true

	api.NewHandler(l).
		WithEventService(events).
		WithReviewService(reviews).
		WithClaimService(claims).
		WithWallet(executor).
		WithHealthChecker(health).
		WithAuthSecret(cfg.Auth.Secret).
		WithCORSOrigins(cfg.HTTP.CORSOrigins).
		RegisterRoutes(e)

	if cfg.Auth.Secret == "" {
		l.Warn("auth.secret is empty, admin routes will reject every request")
	}

	go func() {
		l.Info("server starting", zap.String("addr", cfg.HTTP.Addr))
		if err := e.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	l.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err = e.Shutdown(shutdownCtx); err != nil {
		l.Error("failed to shut down server", zap.Error(err))
	}
}
