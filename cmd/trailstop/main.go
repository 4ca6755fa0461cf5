// Command trailstop runs and controls the trailing-stop exit-order engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"trailstop/internal/cli"
	"trailstop/internal/config"
	"trailstop/internal/logging"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TRAILSTOP_CONFIG_DIR"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\nUsing built-in defaults.\n", err)
		cfg = config.Default()
	}

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Console = cfg.Logging.Console
	logCfg.File = cfg.Logging.File
	logger := logging.NewLoggerWithConfig(logCfg)

	if err := cli.NewRootCmd(cfg, logger).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
