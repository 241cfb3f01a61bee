package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/jobwatch/internal/history"
)

var (
	historyRunID string
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List ticks recorded in the history store",
	Long: `Lists ticks recorded by watch when history.driver is configured,
newest first.

Example:
  jobwatch history --limit 20
  jobwatch history --run 3f1c... --output json
  jobwatch history --prune 720h`,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "only show ticks of this run id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of ticks to show")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "delete ticks older than this before listing")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.History.Driver == "" {
		return errors.New("tick history is not configured (set history.driver and history.dsn)")
	}

	store, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if historyPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-historyPrune))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Pruned %d tick(s) older than %s\n", n, historyPrune)
	}

	ticks, err := store.Recent(ctx, history.Query{RunID: historyRunID, Limit: historyLimit})
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if ticks == nil {
			ticks = []history.Tick{}
		}
		return printJSON(ticks)
	}

	if len(ticks) == 0 {
		fmt.Println("No ticks recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Run", "Tick", "Started", "Duration", "Status", "Nodes", "Collected", "Diagnosed", "Failures", "Error")
	for _, t := range ticks {
		status := t.Status
		if !t.StatusKnown {
			status = "?"
		}
		if t.Terminal {
			status += " (final)"
		}
		table.Append(
			shortID(t.RunID),
			strconv.Itoa(t.Seq),
			t.StartedAt.Local().Format("2006-01-02 15:04:05"),
			t.Duration.String(),
			status,
			strconv.Itoa(t.Nodes),
			strconv.Itoa(t.Collected),
			strconv.Itoa(t.Diagnosed),
			strconv.Itoa(t.Failures),
			truncateText(t.Error, 60),
		)
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return orDash(s)
	}
	return s[:n-3] + "..."
}
