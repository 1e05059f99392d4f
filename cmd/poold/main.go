// Command poold runs the prize-linked savings pool daemon.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/prizelink/pool_layer/internal/assets"
	"github.com/prizelink/pool_layer/internal/config"
	"github.com/prizelink/pool_layer/internal/events"
	"github.com/prizelink/pool_layer/internal/httpapi"
	"github.com/prizelink/pool_layer/internal/pool"
	"github.com/prizelink/pool_layer/internal/random"
	"github.com/prizelink/pool_layer/internal/stake"
	"github.com/prizelink/pool_layer/internal/upkeep"
	"github.com/prizelink/pool_layer/internal/yield"
	"github.com/prizelink/pool_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to pool.yaml (defaults to config/pool.yaml)")
	flag.Parse()

	log := logger.NewDefault("poold")

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to build epoch store")
		os.Exit(1)
	}
	defer closeStore()

	ledger := assets.NewMemoryLedger()
	source := yield.NewSimulatedSource(ledger, "yield-src")
	bus := events.NewBus(events.DefaultCapacity)
	adapter := yield.NewAdapter(source, cfg.Account, bus, logger.NewDefault("yield"))
	stakes := stake.NewMemoryLedger()

	svc, err := pool.New(ctx, pool.Config{
		Account:       cfg.Account,
		MinDeposit:    cfg.MinDeposit,
		DrawingPeriod: cfg.DrawingPeriod.Std(),
	}, pool.Deps{
		Assets: ledger,
		Yield:  adapter,
		Stake:  stakes,
		Store:  store,
		Bus:    bus,
		Logger: logger.NewDefault("pool"),
	})
	if err != nil {
		log.WithError(err).Error("failed to start pool")
		os.Exit(1)
	}

	var (
		randSource  random.Source
		asyncSource *random.AsyncSource
	)
	if random.Mode(cfg.RandomnessMode) == random.ModeAsync {
		asyncSource = random.NewAsyncSource()
		randSource = asyncSource
	} else {
		randSource = random.NewSyncSource(nil)
	}

	trigger := upkeep.New(svc, randSource, upkeep.Options{
		RandomnessTimeout: cfg.RandomnessTimeout.Std(),
		Logger:            logger.NewDefault("upkeep"),
	})
	if err := trigger.Run(ctx, cfg.UpkeepSchedule); err != nil {
		log.WithError(err).Error("failed to start upkeep poller")
		os.Exit(1)
	}

	api := httpapi.NewHandler(httpapi.Deps{
		Pool:    svc,
		Trigger: trigger,
		Stake:   stakes,
		Store:   store,
		Async:   asyncSource,
		Bus:     bus,
		Logger:  logger.NewDefault("httpapi"),

		RandomnessToken: cfg.RandomnessToken,
		AdminToken:      cfg.AdminToken,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).
			WithField("randomness_mode", cfg.RandomnessMode).
			Info("pool daemon listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}
	trigger.Stop()
	log.Info("pool daemon stopped")
}

// buildStore selects the epoch store: postgres when a DSN is configured,
// in-memory otherwise.
func buildStore(ctx context.Context, cfg config.Config, log *logger.Logger) (pool.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		log.Info("using in-memory epoch store")
		return pool.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	store := pool.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	log.Info("using postgres epoch store")
	return store, func() { db.Close() }, nil
}
