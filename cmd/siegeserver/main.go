package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/citysiege/internal/bridge"
	"github.com/udisondev/citysiege/internal/config"
	"github.com/udisondev/citysiege/internal/db"
	"github.com/udisondev/citysiege/internal/siege"
	"github.com/udisondev/citysiege/internal/tick"
	"github.com/udisondev/citysiege/internal/town"
)

const (
	ConfigPath = "config/siegeserver.yaml"

	cooldownSweepInterval = time.Minute
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("CITYSIEGE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadSiegeServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("citysiege server starting", "log_level", cfg.LogLevel, "economy", cfg.Economy)

	world, ledger, err := buildWorld(cfg.Towns, cfg.Siege.Currency)
	if err != nil {
		return fmt.Errorf("loading towns: %w", err)
	}
	slog.Info("towns loaded", "count", len(cfg.Towns))

	hub := bridge.NewHub()
	deps := siege.Deps{
		Protection:  world,
		Presence:    world,
		Directory:   world,
		Territories: world,
		Notifier: siege.NotifierFunc(func(ev siege.Event) {
			logEvent(ev)
			hub.Notify(ev)
		}),
	}

	if cfg.Economy == "memory" {
		deps.Economy = ledger
	} else {
		database, err := db.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer database.Close()
		slog.Info("database connected")

		if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		slog.Info("database migrations applied")

		economy := db.NewEconomyRepository(database.Pool())
		if err := seedBalances(ctx, economy, cfg); err != nil {
			return fmt.Errorf("seeding balances: %w", err)
		}
		deps.Economy = economy
		deps.Cooldowns = db.NewCooldownRepository(database.Pool())
		deps.History = db.NewSiegeRepository(database.Pool())
	}

	loop := tick.NewLoop(cfg.QueueSize)
	deps.Scheduler = loop

	registry, err := siege.NewRegistry(siegeConfig(cfg.Siege), deps)
	if err != nil {
		return fmt.Errorf("creating siege registry: %w", err)
	}
	n, err := registry.LoadCooldowns(ctx)
	if err != nil {
		return err
	}
	slog.Info("siege registry initialized", "cooldowns", n)

	bridgeSrv := bridge.NewServer(bridge.Config{
		Addr:      cfg.Bridge.Addr(),
		Token:     cfg.Bridge.Token,
		SendQueue: cfg.Bridge.SendQueue,
	}, hub, bridge.NewHandler(registry, world), loop)

	g, gctx := errgroup.WithContext(ctx)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	g.Go(func() error {
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tick loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return bridgeSrv.Run(gctx)
	})

	g.Go(func() error {
		sweepCooldowns(gctx, loop, registry)
		return nil
	})

	// Осады отменяются на главном цикле до его остановки.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := loop.Do(shutdownCtx, func() { registry.Shutdown(shutdownCtx) }); err != nil {
			slog.Error("cancelling sieges on shutdown", "error", err)
		}
		stopLoop()
		return nil
	})

	return g.Wait()
}

// sweepCooldowns periodically drops expired cooldowns and idle rate limiters on the tick loop.
func sweepCooldowns(ctx context.Context, loop *tick.Loop, registry *siege.Registry) {
	ticker := time.NewTicker(cooldownSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := loop.Post(func() {
				cooldowns, limiters := registry.Sweep(loop.Now())
				if cooldowns > 0 || limiters > 0 {
					slog.Debug("siege state swept", "cooldowns", cooldowns, "limiters", limiters)
				}
			})
			if err != nil {
				return
			}
		}
	}
}

func siegeConfig(r config.SiegeRules) siege.Config {
	return siege.Config{
		MinAttackers:           r.MinAttackers,
		MinDefenderOnlineRatio: r.MinDefenderOnlineRatio,
		SiegeDuration:          time.Duration(r.SiegeDurationMinutes) * time.Minute,
		LootDuration:           time.Duration(r.LootDurationMinutes) * time.Minute,
		Cooldown:               time.Duration(r.CooldownHours) * time.Hour,
		SiegeCost:              r.SiegeCost,
		Currency:               r.Currency,
		LootPercentage:         r.LootPercentage,
		BackendTimeout:         r.BackendTimeout,
		MarkerRate:             r.MarkerRate,
		MarkerBurst:            r.MarkerBurst,
	}
}

func buildWorld(entries []config.TownEntry, currency string) (*town.World, *town.Ledger, error) {
	world := town.NewWorld()
	ledger := town.NewLedger()
	for _, e := range entries {
		t := town.Town{
			ID:     siege.TerritoryID(e.ID),
			Name:   e.Name,
			Owner:  siege.ActorID(e.Owner),
			Bounds: town.Bounds{World: e.World, MinX: e.MinX, MinZ: e.MinZ, MaxX: e.MaxX, MaxZ: e.MaxZ},
			Flags:  make(siege.FlagSet, len(e.Flags)),
		}
		for _, m := range e.Members {
			t.Members = append(t.Members, siege.ActorID(m))
		}
		for name, v := range e.Flags {
			t.Flags[siege.Flag(name)] = v
		}
		if err := world.AddTown(t); err != nil {
			return nil, nil, err
		}
		if e.Balance > 0 {
			ledger.SetBalance(siege.TerritoryAccount(t.ID), currency, e.Balance)
		}
		if e.DefenseMarker != nil {
			loc := siege.Location{World: e.World, X: e.DefenseMarker.X, Y: e.DefenseMarker.Y, Z: e.DefenseMarker.Z}
			if err := world.SetDefenseMarker(t.ID, loc); err != nil {
				return nil, nil, err
			}
		}
	}
	return world, ledger, nil
}

// seedBalances stores the configured opening balance of towns that have no account yet.
func seedBalances(ctx context.Context, economy *db.EconomyRepository, cfg config.SiegeServer) error {
	for _, e := range cfg.Towns {
		if e.Balance <= 0 {
			continue
		}
		account := siege.TerritoryAccount(siege.TerritoryID(e.ID))
		cur, err := economy.Balance(ctx, account, cfg.Siege.Currency)
		if err != nil {
			return err
		}
		if cur > 0 {
			continue
		}
		if err := economy.SetBalance(ctx, account, cfg.Siege.Currency, e.Balance); err != nil {
			return err
		}
	}
	return nil
}

func logEvent(ev siege.Event) {
	attrs := []any{
		"event", ev.Kind,
		"siege_id", ev.SiegeID,
		"attacker", ev.AttackerTerritory,
		"defender", ev.DefenderTerritory,
	}
	if ev.Kind == siege.EventSiegeEnded {
		attrs = append(attrs, "outcome", ev.Outcome, "paid", ev.Paid)
	}
	slog.Info("siege event", attrs...)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
