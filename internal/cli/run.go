package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trailstop/internal/api"
	"trailstop/internal/broker"
	"trailstop/internal/connection"
	"trailstop/internal/engine"
	"trailstop/internal/groups"
	"trailstop/internal/logging"
	"trailstop/internal/marketdata"
	"trailstop/internal/models"
	"trailstop/internal/notify"
	"trailstop/internal/orders"
	"trailstop/internal/resilience"
	"trailstop/internal/security"
	"trailstop/internal/store"
	"trailstop/internal/stream"
	"trailstop/internal/ticks"
)

// ModeSimulated is reported by the API when run with --paper.
const ModeSimulated = "simulated"

func addRunCommand(rootCmd *cobra.Command, app *App) {
	var (
		paper    bool
		seed     int64
		simEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trailing-stop engine and control API",
		Long: `Connect to the terminal, load persisted groups and keep their exit orders
trailing until interrupted. The control API listens on api.listen.

With --paper the engine runs against a built-in session holding a demo SPX
put vertical and a SPY call, with randomly walking quotes.`,
		Example: `  trailstop run
  trailstop run --paper --seed 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, app, runOptions{paper: paper, seed: seed, simEvery: simEvery})
		},
	}

	cmd.Flags().BoolVar(&paper, "paper", false, "use the built-in simulated session")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for simulated quotes")
	cmd.Flags().DurationVar(&simEvery, "sim-interval", time.Second, "simulated quote interval")

	rootCmd.AddCommand(cmd)
}

type runOptions struct {
	paper    bool
	seed     int64
	simEvery time.Duration
}

func runEngine(ctx context.Context, app *App, opts runOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := app.Config
	logger := logging.WithComponent(app.Logger, "run")

	mode := cfg.Terminal.Mode
	var session broker.Session
	if opts.paper {
		ps := broker.NewDemoPaperSession()
		go ps.Simulate(ctx, opts.simEvery, opts.seed)
		session = ps
		mode = ModeSimulated
	} else {
		session = broker.NewBridgeSession(broker.BridgeConfig{
			URL:            cfg.Terminal.BridgeURL,
			RequestTimeout: cfg.Terminal.RequestTimeout,
			Logger:         app.Logger,
		})
	}

	journal, err := store.NewSQLiteStore(cfg.Storage.JournalDB)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	gm, err := groups.NewManager(groups.NewStore(cfg.Storage.GroupsFile, app.Logger), app.Logger)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	cache := marketdata.NewCache()
	resolver := ticks.NewResolver(ticks.Config{
		DefaultTick:       cfg.Trailing.DefaultTick,
		ComboFallbackTick: cfg.Trailing.ComboFallbackTick,
		Logger:            app.Logger,
	})

	conn := connection.New(session, cache, resolver, connection.Config{
		Host:                  cfg.Terminal.Host,
		Port:                  cfg.Terminal.Port,
		ClientID:              cfg.Terminal.ClientID,
		HeartbeatInterval:     cfg.Connection.HeartbeatInterval,
		PortfolioInterval:     cfg.Connection.PortfolioInterval,
		ReconnectInitialDelay: cfg.Connection.ReconnectInitialDelay,
		ReconnectFactor:       cfg.Connection.ReconnectFactor,
		ReconnectMaxDelay:     cfg.Connection.ReconnectMaxDelay,
		ReconnectMaxAttempts:  cfg.Connection.ReconnectMaxAttempts,
		ExecutionLookback:     cfg.Connection.ExecutionLookback,
		Logger:                app.Logger,
	})
	defer conn.Close()

	breaker := resilience.NewCircuitBreaker("orders", resilience.DefaultCircuitBreakerConfig())
	orch := orders.New(conn, orders.Config{
		Resolver: resolver,
		Breaker:  breaker,
		Recorder: journal,
		Logger:   app.Logger,
	})

	notifier := notify.NewMultiNotifier(cfg.Notifications, app.Logger)

	hub := stream.NewHub[engine.GroupSnapshot]()
	hub.Start(ctx)
	defer hub.Stop()

	eng := engine.New(conn, cache, gm, orch, engine.Config{
		DefaultTrail:   cfg.DefaultTrail(),
		UpdateInterval: cfg.Trailing.UpdateInterval,
		HistorySize:    cfg.Trailing.HistorySize,
		Journal:        journal,
		Notifier:       notifier,
		Hub:            hub,
		Logger:         app.Logger,
	})
	defer eng.Wait()

	conn.OnStateChange(func(ev models.ConnectionEvent) {
		recCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := journal.RecordConnectionEvent(recCtx, ev); err != nil {
			logger.Warn().Err(err).Msg("Recording connection event failed")
		}
		if err := notifier.SendConnection(recCtx, ev); err != nil {
			logger.Warn().Err(err).Msg("Connection notification failed")
		}
		if connection.State(ev.State) == connection.StateConnected {
			eng.OnConnected(ctx)
		}
	})

	health := resilience.NewHealthMonitor()
	health.RegisterComponent("terminal", resilience.TerminalHealthCheck(
		conn.IsConnected,
		func() *time.Duration { return conn.Metrics().LastHeartbeatAge },
		3*cfg.Connection.HeartbeatInterval,
	))
	health.RegisterComponent("journal", resilience.DatabaseHealthCheck(journal.Ping))
	health.RegisterComponent("orders", resilience.BreakerHealthCheck(breaker))

	total, active := eng.Counts()
	logger.Info().
		Str("mode", mode).
		Bool("read_only", cfg.API.ReadOnly).
		Int("groups", total).
		Int("active", active).
		Msg("Starting trailstop")

	if err := conn.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial connect failed, retrying in background")
	}

	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Trailing driver exited")
		}
	}()

	srv := api.NewServer(api.Config{
		Addr:       cfg.API.Listen,
		Engine:     eng,
		Connection: conn,
		Hub:        hub,
		Health:     health,
		Access:     security.NewAccessController(cfg.API.ReadOnly, app.Logger),
		Mode:       mode,
		Logger:     app.Logger,
	})
	err = srv.Run(ctx)
	cancel()

	<-driverDone
	logger.Info().Msg("Stopped")
	return err
}
