package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/jobwatch/internal/monitor"
)

var statusTail int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status samples recorded by watch",
	Long: `Reads status.log from the monitor output directory and prints the
recorded samples, oldest first.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVarP(&statusTail, "tail", "n", 20, "show only the last n samples (0 = all)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.Monitor.OutputDir, monitor.StatusLogName)
	records, err := monitor.ReadStatusLog(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no status log at %s; is jobwatch watch running with this output directory?", path)
		}
		return err
	}

	if statusTail > 0 && len(records) > statusTail {
		records = records[len(records)-statusTail:]
	}

	if IsJSONOutput() {
		return printJSON(records)
	}

	if len(records) == 0 {
		fmt.Println("No status samples recorded yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Status")
	for _, r := range records {
		table.Append(r.Time.Format("2006-01-02 15:04:05"), r.Status)
	}
	table.Render()

	last := records[len(records)-1]
	fmt.Printf("\nLatest: %s (%s ago)\n", last.Status, formatAge(last.Time))
	return nil
}
