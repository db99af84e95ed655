package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/hex-arena-backend/internal/actionlog"
	"github.com/DoyleJ11/hex-arena-backend/internal/battle"
	"github.com/DoyleJ11/hex-arena-backend/internal/config"
	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/httpapi"
	"github.com/DoyleJ11/hex-arena-backend/internal/matchmaking"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
	"github.com/DoyleJ11/hex-arena-backend/internal/store/sqlstore"
	"github.com/DoyleJ11/hex-arena-backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

type storage struct {
	store store.Store
	log   actionlog.Log
	locks store.Locker
	close func() error
}

func openStorage(cfg config.Config, logger *zap.Logger) (storage, error) {
	if cfg.StoreDriver == "memory" {
		mem := store.NewMemory()
		return storage{store: mem, log: actionlog.NewMemory(), locks: mem, close: func() error { return nil }}, nil
	}
	s, err := sqlstore.Open(cfg.StoreDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return storage{}, err
	}
	return storage{store: s, log: s, locks: s, close: s.Close}, nil
}

type coordination struct {
	queue coord.Queue
	mutex coord.Mutex
	bus   coord.Bus
	close func() error
}

// openCoordination connects to Redis when configured. Without it the
// process coordinates with itself only.
func openCoordination(ctx context.Context, cfg config.Config, logger *zap.Logger) (coordination, error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, matchmaking is local to this process")
		return coordination{
			queue: coord.NewMemoryQueue(),
			mutex: coord.NewMemoryMutex(),
			bus:   coord.NewMemoryBus(),
			close: func() error { return nil },
		}, nil
	}
	rdb, err := coord.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return coordination{}, err
	}
	return coordination{
		queue: coord.NewRedisQueue(rdb),
		mutex: coord.NewRedisMutex(rdb),
		bus:   coord.NewRedisBus(rdb, logger),
		close: rdb.Close,
	}, nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	co, err := openCoordination(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open coordination: %w", err)
	}
	defer co.close()

	broker := ws.NewBroker(ctx, logger)
	mm := matchmaking.New(co.queue, co.mutex, cfg.Matchmaking, logger)
	orch := battle.New(battle.Deps{
		Store:      st.store,
		Log:        st.log,
		Locks:      st.locks,
		Matchmaker: mm,
		Notifier:   broker,
		Bus:        co.bus,
		Leases:     co.mutex,
		Effects:    []battle.Effect{progressionLog(logger)},
		Config:     cfg,
		Logger:     logger,
	})
	if err := orch.Recover(ctx); err != nil {
		logger.Warn("some battles could not be recovered", zap.Error(err))
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.SetupRoutes(httpapi.Server{
			Battles: orch,
			Sockets: orch,
			Broker:  broker,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("server_id", cfg.ServerID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutCtx), orch.Shutdown(shutCtx))
	})
	return g.Wait()
}

// progressionLog records rewards until a progression service consumes them.
func progressionLog(logger *zap.Logger) battle.Effect {
	logger = logger.Named("progression")
	return battle.EffectFunc{
		Label: "progression",
		Fn: func(_ context.Context, o battle.Outcome) error {
			if o.Rewards == nil {
				return nil
			}
			logger.Info("rewards granted",
				zap.String("battle_id", o.BattleID),
				zap.String("actor_id", o.WinnerActorID),
				zap.Int("xp", o.Rewards.XP),
				zap.Int("currency", o.Rewards.Currency),
				zap.Int("bond", o.Rewards.Bond))
			return nil
		},
	}
}
