package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"trailstop/internal/store"
)

// addJournalCommands adds journal commands. They read the SQLite journal
// directly and work without a running engine.
func addJournalCommands(rootCmd *cobra.Command, app *App) {
	var (
		group string
		since time.Duration
		limit int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Review order, stop-trigger and connection history",
		Long: `Read the operational journal. With no subcommand, shows recent stop
triggers followed by order events.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, func(ctx context.Context, output *Output, j store.Journal, f store.EventFilter) error {
				if err := showTriggers(ctx, output, j, f); err != nil {
					return err
				}
				output.Println()
				return showOrderEvents(ctx, output, j, f)
			})
		},
	}

	cmd.PersistentFlags().StringVar(&group, "group", "", "only rows for this group id")
	cmd.PersistentFlags().DurationVar(&since, "since", 0, "only rows newer than this (e.g. 24h)")
	cmd.PersistentFlags().IntVar(&limit, "limit", 20, "maximum rows")

	cmd.AddCommand(&cobra.Command{
		Use:   "orders",
		Short: "Show order events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, showOrderEvents)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "triggers",
		Short: "Show stop triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, showTriggers)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "connections",
		Short: "Show connection transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, app, showConnectionEvents)
		},
	})

	rootCmd.AddCommand(cmd)
}

type journalView func(ctx context.Context, output *Output, j store.Journal, f store.EventFilter) error

func withJournal(cmd *cobra.Command, app *App, view journalView) error {
	output := NewOutput(cmd)
	ctx, cancel := requestContext(cmd)
	defer cancel()

	filter, err := journalFilter(cmd)
	if err != nil {
		return err
	}

	j, err := store.NewSQLiteStore(app.Config.Storage.JournalDB)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	return view(ctx, output, j, filter)
}

func journalFilter(cmd *cobra.Command) (store.EventFilter, error) {
	group, _ := cmd.Flags().GetString("group")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return store.EventFilter{}, fmt.Errorf("--limit must be positive")
	}
	f := store.EventFilter{GroupID: group, Limit: limit}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

func showTriggers(ctx context.Context, output *Output, j store.Journal, f store.EventFilter) error {
	rows, err := j.StopTriggers(ctx, f)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(rows)
	}

	output.Bold("Stop Triggers")
	if len(rows) == 0 {
		output.Dim("  none")
		return nil
	}
	table := NewTable(output, "TIME", "GROUP", "NAME", "VALUE", "STOP", "HWM", "ORDER")
	for _, r := range rows {
		table.AddRow(
			FormatDateTime(r.Time),
			r.GroupID,
			TruncateString(r.GroupName, 24),
			FormatPrice(r.Value),
			FormatPrice(r.StopPrice),
			FormatPrice(r.HWM),
			strconv.Itoa(r.OrderID),
		)
	}
	table.Render()
	return nil
}

func showOrderEvents(ctx context.Context, output *Output, j store.Journal, f store.EventFilter) error {
	rows, err := j.OrderEvents(ctx, f)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(rows)
	}

	output.Bold("Order Events")
	if len(rows) == 0 {
		output.Dim("  none")
		return nil
	}
	table := NewTable(output, "TIME", "KIND", "ORDER", "SYMBOL", "ACTION", "QTY", "STOP", "LIMIT", "STATUS", "MESSAGE")
	for _, r := range rows {
		table.AddRow(
			FormatDateTime(r.Time),
			string(r.Kind),
			strconv.Itoa(r.OrderID),
			r.Symbol,
			string(r.Action),
			fmt.Sprintf("%g", r.Quantity),
			FormatPrice(r.StopPrice),
			FormatPrice(r.LimitPrice),
			string(r.Status),
			TruncateString(r.Message, 40),
		)
	}
	table.Render()
	return nil
}

func showConnectionEvents(ctx context.Context, output *Output, j store.Journal, f store.EventFilter) error {
	rows, err := j.ConnectionEvents(ctx, f)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(rows)
	}

	output.Bold("Connection Events")
	if len(rows) == 0 {
		output.Dim("  none")
		return nil
	}
	table := NewTable(output, "TIME", "STATE", "ATTEMPT", "REASON")
	for _, r := range rows {
		table.AddRow(FormatDateTime(r.Time), output.ConnectionState(r.State), strconv.Itoa(r.Attempt), r.Reason)
	}
	table.Render()
	return nil
}
