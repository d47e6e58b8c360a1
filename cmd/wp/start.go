package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/wolfpack/internal/config"
	"github.com/zulandar/wolfpack/internal/dashboard"
	"github.com/zulandar/wolfpack/internal/db"
	"github.com/zulandar/wolfpack/internal/player"
	"github.com/zulandar/wolfpack/internal/player/discord"
	slackconsole "github.com/zulandar/wolfpack/internal/player/slack"
	"github.com/zulandar/wolfpack/internal/store"
)

func newStartCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the pack",
		Long:  "Logs every worker in, listens to the registered chats, and joins and plays announced games until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wolfpack.yaml", "path to Wolfpack config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "start with debug logging")
	return cmd
}

// newTransport builds a worker's chat transport. Allows test override.
var newTransport = func(cfg *config.Config, w config.WorkerConfig, pattern *regexp.Regexp, logger *slog.Logger) (player.Transport, error) {
	return discord.New(discord.TransportOpts{
		Name:          w.Name,
		Token:         w.Token,
		GameBot:       cfg.GameBot,
		Chats:         cfg.ChatIDs(),
		CommandPrefix: cfg.CommandPrefix,
		JoinLabel:     cfg.JoinLabel,
		TokenPattern:  pattern,
		Logger:        logger,
	})
}

func runStart(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	if debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return runPack(ctx, cmd.OutOrStdout(), cfg, level, logger)
}

// runPack wires every component from cfg and blocks until ctx is cancelled.
func runPack(ctx context.Context, out io.Writer, cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) error {
	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Store ready (%s)\n", cfg.Store.Driver)

	pattern, err := regexp.Compile(cfg.TokenPattern)
	if err != nil {
		return fmt.Errorf("token pattern: %w", err)
	}

	workers := make([]*player.Worker, 0, len(cfg.Workers))
	for _, wc := range cfg.Workers {
		t, err := newTransport(cfg, wc, pattern, logger.With("worker", wc.Name))
		if err != nil {
			return fmt.Errorf("worker %s: %w", wc.Name, err)
		}
		workers = append(workers, player.NewWorker(wc.Name, t))
	}

	chats := make([]player.SessionOpts, 0, len(cfg.Chats))
	var entries []player.ScheduleEntry
	for _, ch := range cfg.Chats {
		chats = append(chats, player.SessionOpts{
			ChatID:   ch.ID,
			Disabled: !ch.IsEnabled(),
			Workers:  ch.Workers,
		})
		if ch.EnableCron != "" || ch.DisableCron != "" {
			entries = append(entries, player.ScheduleEntry{ChatID: ch.ID, Enable: ch.EnableCron, Disable: ch.DisableCron})
		}
	}
	reg, err := player.NewRegistry(len(workers), chats...)
	if err != nil {
		return err
	}

	pool, err := player.NewPool(workers, logger)
	if err != nil {
		return err
	}
	if err := pool.Start(ctx, reg); err != nil {
		return err
	}
	defer pool.Stop()
	fmt.Fprintf(out, "%d of %d workers live\n", len(pool.Active()), len(workers))

	thinkMin, thinkMax := cfg.ThinkRange()
	engine := player.NewEngine(player.EngineOpts{
		ThinkMin:     thinkMin,
		ThinkMax:     thinkMax,
		VotePrefixes: cfg.Decision.VotePrefixes,
		Logger:       logger,
	})

	cycle, err := player.NewJoinCycle(player.JoinCycleOpts{
		Registry:  reg,
		Pool:      pool,
		Engine:    engine,
		Store:     st,
		Recorder:  st,
		Endpoint:  cfg.GameBot,
		KeyPrefix: cfg.KeyPrefix,
		Attempts:  cfg.Join.Attempts,
		Interval:  cfg.JoinInterval(),
		Signals:   player.PhraseSet(cfg.JoinSignals()),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := cycle.Restore(ctx); err != nil {
		logger.Warn("restore join tokens", "err", err)
	}

	owners := append([]string{}, cfg.Owners...)
	owners = append(owners, cfg.Slack.Owners...)
	commands, err := player.NewCommandHandler(player.CommandHandlerOpts{
		Owners:   owners,
		Registry: reg,
		Engine:   engine,
		Pool:     pool,
		Cycle:    cycle,
		Level:    level,
		ReplyTTL: cfg.ReplyTTL(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var triggers player.PhraseSet
	if len(cfg.Signals.Triggers) > 0 {
		triggers = player.AnyOf(cfg.Signals.Triggers...)
	}
	router, err := player.NewRouter(player.RouterOpts{
		Pool:     pool,
		Registry: reg,
		Engine:   engine,
		Observer: player.NewObserver(triggers, logger),
		Cycle:    cycle,
		Commands: commands,
		GameBot:  cfg.GameBot,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer commands.Wait()
	defer router.Wait()

	schedule, err := player.NewSchedule(reg, entries, cfg.Location(), logger)
	if err != nil {
		return err
	}
	schedule.Start()
	defer schedule.Stop()
	if n := schedule.Len(); n > 0 {
		fmt.Fprintf(out, "%d auto-join switches scheduled\n", n)
	}

	if cfg.Slack.Enabled() {
		console, err := slackconsole.New(slackconsole.ConsoleOpts{
			AppToken:      cfg.Slack.AppToken,
			BotToken:      cfg.Slack.BotToken,
			ChannelID:     cfg.Slack.Channel,
			Owners:        cfg.Slack.Owners,
			CommandPrefix: cfg.Slack.Prefix,
			Logger:        logger.With("component", "slack"),
		})
		if err != nil {
			return err
		}
		if err := console.Connect(ctx); err != nil {
			return err
		}
		go func() {
			if err := console.Run(ctx, router); err != nil {
				logger.Error("slack console stopped", "err", err)
			}
		}()
		fmt.Fprintf(out, "Slack console listening in %s\n", cfg.Slack.Channel)
	}

	if cfg.Dashboard.Port > 0 {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Registry: reg,
				Pool:     pool,
				Engine:   engine,
				Joins:    st,
				Port:     cfg.Dashboard.Port,
				Out:      out,
			})
			if err != nil {
				logger.Error("dashboard stopped", "err", err)
			}
		}()
	}

	fmt.Fprintf(out, "Wolfpack running: %d chats, game bot %s\n", len(chats), cfg.GameBot)
	pool.Run(ctx, router)
	fmt.Fprintln(out, "Shutting down")
	return nil
}
