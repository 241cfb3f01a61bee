package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/jobwatch/internal/diagnostic"
	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
)

var (
	diagnoseHost  string
	diagnoseRank  int
	diagnoseWrite bool
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <log-file>",
	Short: "Scan a log file for known failure signatures",
	Long: `Runs the diagnostic scan on one log file and prints the report. With
--write the report is written next to the log as
host_<rank>_<host>_diagnostic.txt, exactly as watch does.

Example:
  jobwatch diagnose logs/host_0_localhost.output
  jobwatch diagnose --host gpu-3 --rank 3 --write logs/monitor/host_3_gpu-3_temp_20240501_120000.000000.log
  jobwatch diagnose --output json train.log`,
	Args: cobra.ExactArgs(1),
	RunE: runDiagnose,
}

func init() {
	rootCmd.AddCommand(diagnoseCmd)
	diagnoseCmd.Flags().StringVar(&diagnoseHost, "host", monitor.LocalHost, "host the log belongs to")
	diagnoseCmd.Flags().IntVar(&diagnoseRank, "rank", 0, "node rank the log belongs to")
	diagnoseCmd.Flags().BoolVar(&diagnoseWrite, "write", false, "write the report file instead of printing it")
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logPath := args[0]
	node := monitor.Node{Host: diagnoseHost, Rank: diagnoseRank}

	sigs := diagnostic.DefaultSignatures
	if cfg.Diagnostics.SignaturesFile != "" {
		sigs, err = diagnostic.LoadSignatures(cfg.Diagnostics.SignaturesFile)
		if err != nil {
			return err
		}
	}

	if IsJSONOutput() {
		f, err := os.Open(logPath)
		if err != nil {
			return err
		}
		defer f.Close()
		res, err := diagnostic.Scan(f, sigs, 0)
		if err != nil {
			return err
		}
		res.Host, res.Rank, res.LogPath = node.Host, node.Rank, logPath
		return printJSON(res)
	}

	if diagnoseWrite {
		logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
		reporter, err := newReporter(cfg, logger)
		if err != nil {
			return err
		}
		path, err := reporter.GenerateReport(context.Background(), node, logPath, monitor.ReportToFile)
		if err != nil {
			return err
		}
		if res := reporter.Snapshot(node); res != nil {
			printMatchTable(res)
		}
		fmt.Printf("Report written to %s\n", path)
		return nil
	}

	reporter := diagnostic.NewReporter(diagnostic.WithSignatures(sigs))
	text, err := reporter.GenerateReport(context.Background(), node, logPath, monitor.ReportInline)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func printMatchTable(res *diagnostic.Result) {
	if !res.HasFailures() {
		fmt.Println("No known failure signatures detected")
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Category", "Issue", "Count", "First Line")
	for _, m := range res.Matches {
		table.Append(orDash(m.Category), m.Description, strconv.Itoa(m.Count), strconv.Itoa(m.FirstLine))
	}
	table.Render()
}
