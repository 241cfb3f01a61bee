package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/jobwatch/internal/config"
	"github.com/psantana5/jobwatch/internal/logging"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Background monitor for distributed training jobs",
	Long: `jobwatch samples the liveness of a running distributed job, pulls each
node's output log and scans it for known failure signatures, without
blocking the launcher that started the job.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./jobwatch.yaml or $HOME/.jobwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("output-dir", "", "monitor output directory (overrides monitor.output_dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("monitor.output_dir", rootCmd.PersistentFlags().Lookup("output-dir"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig locates the config file and enables JOBWATCH_* overrides
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("jobwatch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".jobwatch"))
		}
	}

	// JOBWATCH_MONITOR_INTERVAL overrides monitor.interval, and so on
	viper.SetEnvPrefix("JOBWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// overridableKeys are the config keys that flags and environment variables may set
var overridableKeys = []string{
	"monitor.interval",
	"monitor.output_dir",
	"monitor.log_collection",
	"monitor.diagnostics",
	"job.log_dir",
	"job.pids_dir",
	"job.hostfile",
	"history.driver",
	"history.dsn",
	"retention.artifact_max_age",
	"retention.keep_per_node",
	"retention.history_max_age",
	"api.listen",
	"metrics.textfile",
	"tracing.enabled",
	"tracing.endpoint",
	"logging.level",
	"logging.json",
	"diagnostics.archive.access_key",
	"diagnostics.archive.secret_key",
}

// loadConfig reads the config file, if any, then applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if err := viper.ReadInConfig(); err == nil {
			path = viper.ConfigFileUsed()
		} else {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, key := range overridableKeys {
		if viper.IsSet(key) {
			applyOverride(cfg, key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverride(cfg *config.Config, key string) {
	switch key {
	case "monitor.interval":
		cfg.Monitor.Interval = viper.GetString(key)
	case "monitor.output_dir":
		cfg.Monitor.OutputDir = viper.GetString(key)
	case "monitor.log_collection":
		cfg.Monitor.LogCollection = viper.GetBool(key)
	case "monitor.diagnostics":
		cfg.Monitor.Diagnostics = viper.GetBool(key)
	case "job.log_dir":
		cfg.Job.LogDir = viper.GetString(key)
	case "job.pids_dir":
		cfg.Job.PidsDir = viper.GetString(key)
	case "job.hostfile":
		cfg.Job.Hostfile = viper.GetString(key)
	case "history.driver":
		cfg.History.Driver = viper.GetString(key)
	case "history.dsn":
		cfg.History.DSN = viper.GetString(key)
	case "retention.artifact_max_age":
		cfg.Retention.ArtifactMaxAge = viper.GetString(key)
	case "retention.keep_per_node":
		cfg.Retention.KeepPerNode = viper.GetInt(key)
	case "retention.history_max_age":
		cfg.Retention.HistoryMaxAge = viper.GetString(key)
	case "api.listen":
		cfg.API.Listen = viper.GetString(key)
	case "metrics.textfile":
		cfg.Metrics.Textfile = viper.GetString(key)
	case "tracing.enabled":
		cfg.Tracing.Enabled = viper.GetBool(key)
	case "tracing.endpoint":
		cfg.Tracing.Endpoint = viper.GetString(key)
	case "logging.level":
		cfg.Logging.Level = viper.GetString(key)
	case "logging.json":
		cfg.Logging.JSON = viper.GetBool(key)
	case "diagnostics.archive.access_key":
		cfg.Diagnostics.Archive.AccessKey = viper.GetString(key)
	case "diagnostics.archive.secret_key":
		cfg.Diagnostics.Archive.SecretKey = viper.GetString(key)
	}
}

// newLogger builds the logger described by the logging section
func newLogger(cfg *config.Config, subComponent string) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.File {
		return logging.NewFileLogger("jobwatch", subComponent, level, cfg.Logging.JSON)
	}
	return logging.NewLogger(level, cfg.Logging.JSON), nil
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
