package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/jobwatch/internal/logcollect"
	"github.com/psantana5/jobwatch/internal/monitor"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the nodes watch would monitor",
	Long: `Enumerates nodes from the configured hostfile (or the single local node)
and shows, for each, where its log is read from and its latest collected
artifact in the output directory.`,
	RunE: runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.Flags().String("hostfile", "", "job hostfile (overrides job.hostfile)")
}

type nodeRow struct {
	Rank           int        `json:"rank"`
	Host           string     `json:"host"`
	Slots          int        `json:"slots,omitempty"`
	Type           string     `json:"type,omitempty"`
	Local          bool       `json:"local"`
	SourceLog      string     `json:"source_log"`
	LatestArtifact string     `json:"latest_artifact,omitempty"`
	ArtifactTime   *time.Time `json:"artifact_time,omitempty"`
}

func runNodes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if hf, _ := cmd.Flags().GetString("hostfile"); hf != "" {
		cfg.Job.Hostfile = hf
	}

	var topo monitor.Topology
	if cfg.Job.Hostfile != "" {
		topo, err = monitor.LoadHostfile(cfg.Job.Hostfile)
		if err != nil {
			return err
		}
	}

	collector := logcollect.New(logcollect.Config{LogDir: cfg.Job.LogDir, LocalHosts: cfg.Collection.LocalHosts})
	var rows []nodeRow
	for _, node := range monitor.EnumerateNodes(topo) {
		row := nodeRow{
			Rank:      node.Rank,
			Host:      node.Host,
			Local:     collector.IsLocal(node.Host),
			SourceLog: filepath.Join(cfg.Job.LogDir, logcollect.SourceName(node)),
		}
		if node.Rank < len(topo) {
			row.Slots = topo[node.Rank].Slots
			row.Type = topo[node.Rank].Type
		}

		artifact, err := monitor.LatestArtifact(cfg.Monitor.OutputDir, node)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if artifact != "" {
			row.LatestArtifact = artifact
			if info, err := os.Stat(artifact); err == nil {
				mod := info.ModTime()
				row.ArtifactTime = &mod
			}
		}
		rows = append(rows, row)
	}

	if IsJSONOutput() {
		return printJSON(rows)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Rank", "Host", "Slots", "Type", "Access", "Latest Artifact", "Age")
	for _, r := range rows {
		access := "ssh"
		if r.Local {
			access = "local"
		}
		slots := "-"
		if r.Slots > 0 {
			slots = strconv.Itoa(r.Slots)
		}
		artifact, age := "-", "-"
		if r.LatestArtifact != "" {
			artifact = filepath.Base(r.LatestArtifact)
			if r.ArtifactTime != nil {
				age = formatAge(*r.ArtifactTime)
			}
		}
		table.Append(strconv.Itoa(r.Rank), r.Host, slots, orDash(r.Type), access, artifact, age)
	}
	table.Render()

	fmt.Printf("\nTotal: %d node(s)\n", len(rows))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders the time since t, rounded for display
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}
