// Package cli provides the trailstop command-line interface.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trailstop/internal/api"
	"trailstop/internal/config"
	"trailstop/internal/logging"
	"trailstop/internal/security"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	APIAddr   string
}

// Client returns a control API client for the running engine.
func (a *App) Client() *api.Client {
	addr := a.APIAddr
	if addr == "" {
		addr = a.Config.API.Listen
	}
	return api.NewClient(addr)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config:    cfg,
		ConfigDir: config.DefaultConfigDir(),
		Logger:    logger,
	}

	rootCmd := &cobra.Command{
		Use:   "trailstop",
		Short: "Trailing-stop exit orders for options and combos",
		Long: `trailstop keeps trailing-stop exit orders resting at a brokerage terminal
for option positions and multi-leg combos.

Start the engine with 'trailstop run', then manage groups from a second shell
with the group commands. Every command except run, journal and config talks to
the engine's control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				loaded, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.ConfigDir = dir
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/trailstop)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&app.APIAddr, "api", "", "control API address (default: api.listen)")

	addCoreCommands(rootCmd, app)
	addRunCommand(rootCmd, app)
	addGroupCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)

	return rootCmd
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("trailstop v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(security.RedactConfig(app.Config))
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Terminal")
	output.Printf("  Address:         %s:%d (client %d)\n", cfg.Terminal.Host, cfg.Terminal.Port, cfg.Terminal.ClientID)
	output.Printf("  Bridge:          %s\n", cfg.Terminal.BridgeURL)
	output.Printf("  Mode:            %s\n", cfg.Terminal.Mode)
	output.Println()

	output.Bold("Connection")
	output.Printf("  Heartbeat:       %s\n", cfg.Connection.HeartbeatInterval)
	output.Printf("  Portfolio poll:  %s\n", cfg.Connection.PortfolioInterval)
	output.Printf("  Reconnect:       %s x%.1f up to %s\n",
		cfg.Connection.ReconnectInitialDelay, cfg.Connection.ReconnectFactor, cfg.Connection.ReconnectMaxDelay)
	if cfg.Connection.ReconnectMaxAttempts > 0 {
		output.Printf("  Max attempts:    %d\n", cfg.Connection.ReconnectMaxAttempts)
	} else {
		output.Printf("  Max attempts:    unlimited\n")
	}
	output.Println()

	output.Bold("Trailing Defaults")
	output.Printf("  Update interval: %s\n", cfg.Trailing.UpdateInterval)
	output.Printf("  Trail:           %.2f%%\n", cfg.Trailing.DefaultTrailPercent)
	output.Printf("  Stop type:       %s\n", cfg.Trailing.DefaultStopType)
	output.Printf("  Limit offset:    %.2f\n", cfg.Trailing.DefaultLimitOffset)
	output.Printf("  Trigger price:   %s\n", cfg.Trailing.DefaultTriggerPrice)
	output.Printf("  Time exit:       %s ET\n", cfg.Trailing.DefaultTimeExit)
	output.Printf("  History size:    %d\n", cfg.Trailing.HistorySize)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Groups:          %s\n", cfg.Storage.GroupsFile)
	output.Printf("  Journal:         %s\n", cfg.Storage.JournalDB)
	output.Printf("  API:             %s\n", cfg.API.Listen)
	if cfg.API.ReadOnly {
		output.Printf("  Access:          read-only\n")
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
	if token := cfg.Notifications.Telegram.BotToken; token != "" {
		output.Printf("  Bot token:       %s\n", security.MaskCredential(token))
	}

	return nil
}
