package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trailstop/internal/api"
	"trailstop/internal/engine"
	"trailstop/internal/models"
)

const requestTimeout = 30 * time.Second

// addGroupCommands adds the commands that drive a running engine.
func addGroupCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newGroupsCmd(app))
	rootCmd.AddCommand(newCreateCmd(app))
	rootCmd.AddCommand(newConfigureCmd(app))
	rootCmd.AddCommand(newActivateCmd(app))
	rootCmd.AddCommand(newDeactivateCmd(app))
	rootCmd.AddCommand(newDeleteCmd(app))
	rootCmd.AddCommand(newCancelAllCmd(app))
	rootCmd.AddCommand(newReconnectCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine and connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			status, err := app.Client().Status(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(status)
			}
			printStatus(output, status)
			return nil
		},
	}
}

func printStatus(output *Output, status api.StatusResponse) {
	c := status.Connection
	output.Bold("trailstop (%s)", status.Mode)
	output.Printf("  Connection:  %s\n", output.ConnectionState(string(c.State)))
	if c.Connected {
		output.Printf("  Uptime:      %s\n", FormatDuration(c.Uptime))
	}
	if c.LastHeartbeatAge != nil {
		output.Printf("  Heartbeat:   %s ago\n", c.LastHeartbeatAge.Round(time.Millisecond))
	}
	output.Printf("  Reconnects:  %d\n", c.ReconnectCount)
	if c.LastDisconnectReason != "" {
		output.Printf("  Last drop:   %s\n", c.LastDisconnectReason)
	}
	output.Printf("  Groups:      %d (%d trailing)\n", status.Groups, status.ActiveGroups)
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "List option positions with unallocated quantity",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			positions, err := app.Client().Positions(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions")
				return nil
			}

			table := NewTable(output, "CONID", "CONTRACT", "QTY", "ENTRY", "BID", "ASK", "MARK", "FREE")
			for _, p := range positions {
				table.AddRow(
					strconv.Itoa(p.Position.ConID()),
					p.Position.Contract.DisplayName(),
					FormatQuantity(p.Position.Quantity),
					FormatPrice(p.EntryPrice),
					FormatPrice(p.Quote.Bid),
					FormatPrice(p.Quote.Ask),
					FormatPrice(p.Quote.Mark),
					fmt.Sprintf("%g", p.Available),
				)
			}
			table.Render()
			return nil
		},
	}
}

func newGroupsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "groups [id]",
		Short: "List groups, or show one group in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if len(args) == 1 {
				snap, err := app.Client().Group(ctx, args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(snap)
				}
				printGroup(output, snap)
				return nil
			}

			list, err := app.Client().Groups(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(list)
			}
			printGroupTable(output, list)
			return nil
		},
	}
}

func printGroupTable(output *Output, list []engine.GroupSnapshot) {
	if len(list) == 0 {
		output.Dim("No groups")
		return
	}
	table := NewTable(output, "ID", "NAME", "STATE", "TYPE", "ENTRY", "VALUE", "HWM", "STOP", "P&L")
	for _, g := range list {
		table.AddRow(
			g.ID,
			TruncateString(g.Name, 24),
			output.ActiveState(g.IsActive),
			g.Metrics.PositionType,
			FormatPrice(g.EntryPrice),
			FormatPrice(g.TriggerValue),
			FormatPrice(g.HWM),
			FormatPrice(g.StopPrice),
			output.FormatPnL(g.Metrics.PnL),
		)
	}
	table.Render()
}

func printGroup(output *Output, g engine.GroupSnapshot) {
	output.Bold("%s  %s", g.Name, output.DimText(g.ID))
	output.Printf("  State:       %s\n", output.ActiveState(g.IsActive))
	if g.Error != "" {
		output.Warning("  %s", g.Error)
	}
	output.Printf("  Trail:       %s\n", FormatTrail(g.Trail))
	credit := "debit"
	if g.IsCredit {
		credit = "credit"
	}
	output.Printf("  Entry:       %s (%s)\n", FormatPrice(g.EntryPrice), credit)
	output.Printf("  Value:       %s\n", FormatPrice(g.TriggerValue))
	output.Printf("  HWM:         %s\n", FormatPrice(g.HWM))
	output.Printf("  Stop:        %s", FormatPrice(g.StopPrice))
	if g.LimitPrice != 0 {
		output.Printf("  limit %s", FormatPrice(g.LimitPrice))
	}
	output.Println()
	output.Printf("  P&L:         %s (at stop %s)\n", output.FormatPnL(g.Metrics.PnL), output.FormatPnL(g.StopPnL))
	if !g.MarketOpen {
		output.Printf("  Market:      %s\n", output.Yellow("closed"))
	}
	if !g.Orders.IsZero() {
		output.Printf("  Orders:      stop #%d", g.Orders.TrailingOrderID)
		if g.Orders.TimeExitOrderID != 0 {
			output.Printf(", time exit #%d", g.Orders.TimeExitOrderID)
		}
		if g.Orders.OCAGroupID != "" {
			output.Printf(" (oca %s)", g.Orders.OCAGroupID)
		}
		output.Println()
	}

	if len(g.Legs) > 0 {
		output.Println()
		table := NewTable(output, "LEG", "FILL", "BID", "ASK", "MARK")
		for _, l := range g.Legs {
			table.AddRow(FormatLeg(l), FormatPrice(l.FillPrice), FormatPrice(l.Quote.Bid), FormatPrice(l.Quote.Ask), FormatPrice(l.Quote.Mark))
		}
		table.Render()
	}
}

func printGroupResponse(output *Output, resp api.GroupResponse, verb string) error {
	if output.IsJSON() {
		return output.JSON(resp)
	}
	output.Success("✓ %s %s", verb, resp.Group.ID)
	if resp.Warning != "" {
		output.Warning("⚠ %s", resp.Warning)
	}
	printGroup(output, resp.Group)
	return nil
}

// parseLegs reads "conid:qty" pairs. Quantities are unsigned; the sign comes
// from the held position.
func parseLegs(legs []string) (map[int]int, error) {
	out := make(map[int]int, len(legs))
	for _, leg := range legs {
		idStr, qtyStr, ok := strings.Cut(leg, ":")
		if !ok {
			return nil, fmt.Errorf("leg %q: expected conid:qty", leg)
		}
		conID, err := strconv.Atoi(strings.TrimSpace(idStr))
		if err != nil || conID <= 0 {
			return nil, fmt.Errorf("leg %q: invalid conid", leg)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(qtyStr))
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("leg %q: quantity must be a positive integer", leg)
		}
		if _, dup := out[conID]; dup {
			return nil, fmt.Errorf("leg %q: conid %d listed twice", leg, conID)
		}
		out[conID] = qty
	}
	return out, nil
}

type trailFlags struct {
	enabled     bool
	mode        string
	value       float64
	trigger     string
	stopType    string
	limitOffset float64
	timeExit    bool
	exitTime    string
}

func (f *trailFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enabled, "trail-enabled", true, "trail the stop as the value improves")
	cmd.Flags().StringVar(&f.mode, "trail-mode", "", "trail distance mode: percent or absolute")
	cmd.Flags().Float64Var(&f.value, "trail-value", 0, "trail distance (percent or price)")
	cmd.Flags().StringVar(&f.trigger, "trigger", "", "trigger price: mark, mid, bid, ask or last")
	cmd.Flags().StringVar(&f.stopType, "stop-type", "", "stop order type: market or limit")
	cmd.Flags().Float64Var(&f.limitOffset, "limit-offset", 0, "limit distance beyond the stop")
	cmd.Flags().BoolVar(&f.timeExit, "time-exit", false, "also place a market exit at --exit-time")
	cmd.Flags().StringVar(&f.exitTime, "exit-time", "", "time exit HH:MM US/Eastern")
}

// fields returns the changed flags keyed by their JSON names.
func (f *trailFlags) fields(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			out[key] = v
		}
	}
	set("trail-enabled", "trail_enabled", f.enabled)
	set("trail-mode", "trail_mode", f.mode)
	set("trail-value", "trail_value", f.value)
	set("trigger", "trigger_price_type", f.trigger)
	set("stop-type", "stop_type", f.stopType)
	set("limit-offset", "limit_offset", f.limitOffset)
	set("time-exit", "time_exit_enabled", f.timeExit)
	set("exit-time", "time_exit_time", f.exitTime)
	return out
}

// apply overlays the changed flags on base.
func (f *trailFlags) apply(cmd *cobra.Command, base models.TrailConfig) models.TrailConfig {
	if cmd.Flags().Changed("trail-enabled") {
		base.Enabled = f.enabled
	}
	if cmd.Flags().Changed("trail-mode") {
		base.Mode = models.TrailMode(f.mode)
	}
	if cmd.Flags().Changed("trail-value") {
		base.Value = f.value
	}
	if cmd.Flags().Changed("trigger") {
		base.TriggerPriceType = models.TriggerPriceType(f.trigger)
	}
	if cmd.Flags().Changed("stop-type") {
		base.StopType = models.StopType(f.stopType)
	}
	if cmd.Flags().Changed("limit-offset") {
		base.LimitOffset = f.limitOffset
	}
	if cmd.Flags().Changed("time-exit") {
		base.TimeExitEnabled = f.timeExit
	}
	if cmd.Flags().Changed("exit-time") {
		base.TimeExitTime = f.exitTime
	}
	return base
}

func newCreateCmd(app *App) *cobra.Command {
	var (
		name  string
		legs  []string
		trail trailFlags
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group from held positions",
		Long: `Create a group over one or more held positions. Each --leg takes a contract
id and an unsigned quantity; the action comes from the position. A contract can
be split across groups but never allocated beyond its held quantity.`,
		Example: `  trailstop create --name "SPX 5800/5750P" --leg 700001:2 --leg 700002:2
  trailstop create --name "SPY call" --leg 700003:3 --trail-value 10 --stop-type limit --limit-offset 0.05`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			quantities, err := parseLegs(legs)
			if err != nil {
				return err
			}

			req := engine.CreateRequest{Name: name, Quantities: quantities}
			if len(trail.fields(cmd)) > 0 {
				t := trail.apply(cmd, app.Config.DefaultTrail())
				req.Trail = &t
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			resp, err := app.Client().Create(ctx, req)
			if err != nil {
				return err
			}
			return printGroupResponse(output, resp, "Created")
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringArrayVar(&legs, "leg", nil, "position allocation as conid:qty (repeatable)")
	_ = cmd.MarkFlagRequired("leg")
	trail.register(cmd)
	return cmd
}

func newConfigureCmd(app *App) *cobra.Command {
	var trail trailFlags

	cmd := &cobra.Command{
		Use:     "configure <id>",
		Short:   "Change a group's trail settings",
		Args:    cobra.ExactArgs(1),
		Example: `  trailstop configure grp_1a2b3c4d5e6f --trail-mode absolute --trail-value 0.50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			fields := trail.fields(cmd)
			if len(fields) == 0 {
				return fmt.Errorf("nothing to change")
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()
			resp, err := app.Client().Configure(ctx, args[0], fields)
			if err != nil {
				return err
			}
			return printGroupResponse(output, resp, "Configured")
		},
	}

	trail.register(cmd)
	return cmd
}

func newActivateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <id>",
		Short: "Place the exit order and start trailing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := app.Client().Activate(ctx, args[0])
			if err != nil {
				return err
			}
			return printGroupResponse(output, resp, "Activated")
		},
	}
}

func newDeactivateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "deactivate <id>",
		Aliases: []string{"cancel"},
		Short:   "Cancel the group's orders and stop trailing",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			resp, err := app.Client().Deactivate(ctx, args[0])
			if err != nil {
				return err
			}
			return printGroupResponse(output, resp, "Deactivated")
		},
	}
}

func newDeleteCmd(app *App) *cobra.Command {
	var cancelOrder bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a group",
		Long: `Delete a group and release its allocation. A trailing group is refused
unless --cancel-order is given, which cancels its orders first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := app.Client().Delete(ctx, args[0], cancelOrder); err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"deleted": args[0]})
			}
			output.Success("✓ Deleted %s", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&cancelOrder, "cancel-order", false, "cancel the group's orders before deleting")
	return cmd
}

func newCancelAllCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every group's orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			report, err := app.Client().CancelAll(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			for _, id := range report.Cancelled {
				output.Success("✓ Cancelled %s", id)
			}
			for id, reason := range report.Failed {
				output.Error("✗ %s: %s", id, reason)
			}
			if len(report.Skipped) > 0 {
				output.Dim("Skipped %d idle group(s)", len(report.Skipped))
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d group(s) could not be cancelled", len(report.Failed))
			}
			return nil
		},
	}
}

func newReconnectCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect",
		Short: "Drop and re-establish the terminal session now",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := requestContext(cmd)
			defer cancel()

			status, err := app.Client().Reconnect(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(status)
			}
			printStatus(output, status)
			return nil
		},
	}
}

func newWatchCmd(app *App) *cobra.Command {
	var (
		group   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream group snapshots as the engine publishes them",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client := app.Client()
			for ctx.Err() == nil {
				snap, ok, err := client.Watch(ctx, group, timeout)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if !ok {
					continue
				}
				if output.IsJSON() {
					if err := output.JSON(snap); err != nil {
						return err
					}
					continue
				}
				output.Printf("%s  %-14s %s  value %s  hwm %s  stop %s  %s\n",
					FormatTime(snap.UpdatedAt), TruncateString(snap.Name, 14), output.ActiveState(snap.IsActive),
					FormatPrice(snap.TriggerValue), FormatPrice(snap.HWM), FormatPrice(snap.StopPrice),
					output.FormatPnL(snap.Metrics.PnL))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group id (default: every group)")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "long-poll timeout per request")
	return cmd
}
