package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# trailstop configuration

[terminal]
host = "127.0.0.1"
# 7497 = paper trading, 7496 = live trading
port = 7497
# Must be unique per connection to the terminal
client_id = 1
# Websocket endpoint of the local terminal bridge
bridge_url = "ws://127.0.0.1:7499/v1/session"
# "live" or "paper" (paper uses the built-in simulator)
mode = "paper"
request_timeout = "10s"

[connection]
heartbeat_interval = "10s"
portfolio_interval = "500ms"
reconnect_initial_delay = "5s"
reconnect_factor = 2.0
reconnect_max_delay = "60s"
# 0 = retry forever
reconnect_max_attempts = 0
# How far back executions are replayed for entry prices
execution_lookback = "168h"

[trailing]
update_interval = "500ms"
default_trail_percent = 15.0
# "market" or "limit"
default_stop_type = "market"
default_limit_offset = 0.10
# mark, mid, bid, ask, last
default_trigger_price = "mark"
# HH:MM US/Eastern
default_time_exit = "15:55"
default_tick = 0.01
combo_fallback_tick = 0.05
history_size = 120

[storage]
# groups_file = "~/.config/trailstop/groups.json"
# journal_db = "~/.config/trailstop/journal.db"

[api]
listen = "127.0.0.1:8089"
# Monitor only: refuse create, configure, activate, delete and reconnect.
read_only = false

[logging]
level = "info"
console = true
file = true

[notifications]
enabled = false
# all, triggers_only, errors_only
level = "all"

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = 0
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}
