package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/jobwatch/internal/monitor"
	"github.com/psantana5/jobwatch/internal/retention"
)

// Config is the complete jobwatch configuration
type Config struct {
	Monitor     MonitorConfig     `yaml:"monitor"`
	Job         JobConfig         `yaml:"job"`
	Collection  CollectionConfig  `yaml:"collection"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	History     HistoryConfig     `yaml:"history"`
	Retention   RetentionConfig   `yaml:"retention"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MonitorConfig configures the monitor loop
type MonitorConfig struct {
	Interval      string `yaml:"interval"` // e.g. "10s", "1m"
	OutputDir     string `yaml:"output_dir"`
	LogCollection bool   `yaml:"log_collection"`
	Diagnostics   bool   `yaml:"diagnostics"`
	StopTimeout   string `yaml:"stop_timeout"`
}

// JobConfig describes where the launcher leaves its state
type JobConfig struct {
	LogDir       string   `yaml:"log_dir"`
	PidsDir      string   `yaml:"pids_dir"`
	Hostfile     string   `yaml:"hostfile"`      // empty = single local node
	ProcessNames []string `yaml:"process_names"` // optional extra liveness check
}

// CollectionConfig configures log collection
type CollectionConfig struct {
	TailBytes  int64     `yaml:"tail_bytes"`  // cap on the first collection, 0 = whole log
	LocalHosts []string  `yaml:"local_hosts"` // read from disk, never over SSH
	SSH        SSHConfig `yaml:"ssh"`
}

// SSHConfig configures collection from remote hosts
type SSHConfig struct {
	User                  string `yaml:"user"`
	Port                  int    `yaml:"port"`
	KeyFile               string `yaml:"key_file"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	Timeout               string `yaml:"timeout"`
}

// DiagnosticsConfig configures the diagnostic reporter
type DiagnosticsConfig struct {
	SignaturesFile string        `yaml:"signatures_file"`
	Archive        ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig configures upload of reports to S3-compatible storage.
// Archival is disabled when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
}

// HistoryConfig configures the tick history store. Disabled when Driver is empty.
type HistoryConfig struct {
	Driver string `yaml:"driver"` // sqlite3, postgres or mysql
	DSN    string `yaml:"dsn"`
}

// RetentionConfig limits how long collected artifacts and history are
// kept. Empty or zero values keep everything.
type RetentionConfig struct {
	Interval       string `yaml:"interval"`
	ArtifactMaxAge string `yaml:"artifact_max_age"`
	KeepPerNode    int    `yaml:"keep_per_node"`
	HistoryMaxAge  string `yaml:"history_max_age"`
}

// APIConfig configures the HTTP status API. Disabled when Listen is empty.
type APIConfig struct {
	Listen    string  `yaml:"listen"`
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client
	Burst     int     `yaml:"burst"`
	TLSCert   string  `yaml:"tls_cert"`
	TLSKey    string  `yaml:"tls_key"`
	ClientCA  string  `yaml:"client_ca"` // require client certificates signed by this CA
}

// MetricsConfig configures metrics export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile path, empty = off
}

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures the logger
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  bool   `yaml:"file"` // also log under /var/log/jobwatch
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			Interval:      "10s",
			OutputDir:     "./logs/monitor",
			LogCollection: true,
			Diagnostics:   true,
			StopTimeout:   "5s",
		},
		Job: JobConfig{
			LogDir:  "./logs",
			PidsDir: "./logs/pids",
		},
		Collection: CollectionConfig{
			SSH: SSHConfig{
				Port:    22,
				Timeout: "10s",
			},
		},
		Diagnostics: DiagnosticsConfig{
			Archive: ArchiveConfig{UseSSL: true},
		},
		Retention: RetentionConfig{
			Interval: "10m",
		},
		API: APIConfig{
			RateLimit: 20,
			Burst:     40,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "jobwatch",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults restores defaults for values explicitly set to empty
func (c *Config) applyDefaults() {
	def := Default()
	if c.Monitor.Interval == "" {
		c.Monitor.Interval = def.Monitor.Interval
	}
	if c.Monitor.OutputDir == "" {
		c.Monitor.OutputDir = def.Monitor.OutputDir
	}
	if c.Monitor.StopTimeout == "" {
		c.Monitor.StopTimeout = def.Monitor.StopTimeout
	}
	if c.Job.LogDir == "" {
		c.Job.LogDir = def.Job.LogDir
	}
	if c.Collection.SSH.Port == 0 {
		c.Collection.SSH.Port = def.Collection.SSH.Port
	}
	if c.Collection.SSH.Timeout == "" {
		c.Collection.SSH.Timeout = def.Collection.SSH.Timeout
	}
	if c.Retention.Interval == "" {
		c.Retention.Interval = def.Retention.Interval
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = def.API.RateLimit
	}
	if c.API.Burst == 0 {
		c.API.Burst = def.API.Burst
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks values that cannot be caught by the YAML decoder
func (c *Config) Validate() error {
	var errs []error

	if d, err := time.ParseDuration(c.Monitor.Interval); err != nil {
		errs = append(errs, fmt.Errorf("invalid monitor.interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if _, err := time.ParseDuration(c.Monitor.StopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid monitor.stop_timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.Collection.SSH.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid collection.ssh.timeout: %w", err))
	}
	if c.Collection.TailBytes < 0 {
		errs = append(errs, errors.New("collection.tail_bytes must not be negative"))
	}
	if c.Collection.SSH.Port <= 0 || c.Collection.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("collection.ssh.port out of range: %d", c.Collection.SSH.Port))
	}

	switch c.History.Driver {
	case "", "sqlite3", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported history.driver %q", c.History.Driver))
	}
	if c.History.Driver != "" && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn is required when history.driver is set"))
	}

	if c.Diagnostics.Archive.Endpoint != "" && c.Diagnostics.Archive.Bucket == "" {
		errs = append(errs, errors.New("diagnostics.archive.bucket is required when an endpoint is set"))
	}
	if _, err := c.ToRetentionConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Retention.KeepPerNode < 0 {
		errs = append(errs, errors.New("retention.keep_per_node must not be negative"))
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		errs = append(errs, errors.New("api.tls_cert and api.tls_key must be set together"))
	}
	if c.API.ClientCA != "" && c.API.TLSCert == "" {
		errs = append(errs, errors.New("api.client_ca requires api.tls_cert and api.tls_key"))
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		errs = append(errs, errors.New("api.rate_limit and api.burst must not be negative"))
	}

	return errors.Join(errs...)
}

// ToMonitorConfig converts the monitor section to a monitor.Config
func (c *Config) ToMonitorConfig() (monitor.Config, error) {
	interval, err := time.ParseDuration(c.Monitor.Interval)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("invalid monitor.interval: %w", err)
	}
	stopTimeout, err := time.ParseDuration(c.Monitor.StopTimeout)
	if err != nil {
		return monitor.Config{}, fmt.Errorf("invalid monitor.stop_timeout: %w", err)
	}

	return monitor.Config{
		Interval:            interval,
		OutputDir:           c.Monitor.OutputDir,
		EnableLogCollection: c.Monitor.LogCollection,
		EnableDiagnostics:   c.Monitor.Diagnostics,
		StopTimeout:         stopTimeout,
	}, nil
}

// ToRetentionConfig converts the retention section to a retention.Config
func (c *Config) ToRetentionConfig() (retention.Config, error) {
	interval, err := time.ParseDuration(c.Retention.Interval)
	if err != nil {
		return retention.Config{}, fmt.Errorf("invalid retention.interval: %w", err)
	}
	if interval <= 0 {
		return retention.Config{}, fmt.Errorf("retention.interval must be positive, got %s", c.Retention.Interval)
	}
	artifactAge, err := optionalDuration(c.Retention.ArtifactMaxAge)
	if err != nil {
		return retention.Config{}, fmt.Errorf("invalid retention.artifact_max_age: %w", err)
	}
	historyAge, err := optionalDuration(c.Retention.HistoryMaxAge)
	if err != nil {
		return retention.Config{}, fmt.Errorf("invalid retention.history_max_age: %w", err)
	}
	return retention.Config{
		Interval:       interval,
		ArtifactMaxAge: artifactAge,
		KeepPerNode:    c.Retention.KeepPerNode,
		HistoryMaxAge:  historyAge,
	}, nil
}

func optionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", s)
	}
	return d, nil
}

// SSHTimeout returns the parsed SSH dial timeout
func (c *Config) SSHTimeout() time.Duration {
	d, err := time.ParseDuration(c.Collection.SSH.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// Redacted returns a copy safe to print, with secrets masked
func (c *Config) Redacted() *Config {
	out := *c
	if out.Diagnostics.Archive.SecretKey != "" {
		out.Diagnostics.Archive.SecretKey = "********"
	}
	if out.History.DSN != "" && out.History.Driver != "sqlite3" {
		out.History.DSN = "********"
	}
	return &out
}

// Marshal renders the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ExampleConfig is printed by `jobwatch config example`
const ExampleConfig = `# jobwatch configuration

monitor:
  interval: "10s"            # time between status samples
  output_dir: ./logs/monitor # status.log, collected logs
  log_collection: true
  diagnostics: true          # needs collected logs to work on
  stop_timeout: "5s"

# Where the launcher writes its state
job:
  log_dir: ./logs                  # host_<rank>_<host>.output
  pids_dir: ./logs/pids            # one <host>.pid per node
  hostfile: ""                     # "<host> slots=<n> type=<gpu>" per line
  process_names: []                # e.g. [torchrun]

collection:
  tail_bytes: 1048576              # first collection keeps the last 1MB
  local_hosts: []                  # extra names of this machine
  ssh:
    user: ""                       # defaults to $USER
    port: 22
    key_file: ~/.ssh/id_ed25519    # ssh-agent is used as well when available
    known_hosts: ~/.ssh/known_hosts
    insecure_ignore_host_key: false
    timeout: "10s"

diagnostics:
  signatures_file: ""              # extra failure signatures (YAML)
  archive:                         # optional S3-compatible upload of reports
    endpoint: ""
    bucket: ""
    access_key: ""
    secret_key: ""
    use_ssl: true
    region: ""                     # skips the bucket location lookup when set
    prefix: jobwatch/

history:
  driver: ""                       # sqlite3, postgres or mysql
  dsn: ""                          # e.g. ./logs/monitor/history.db

retention:                         # empty or 0 keeps everything
  interval: "10m"
  artifact_max_age: ""             # e.g. "24h"; a node's newest artifact is always kept
  keep_per_node: 0
  history_max_age: ""              # e.g. "720h"

api:
  listen: ""                       # e.g. 127.0.0.1:9180
  rate_limit: 20
  burst: 40
  tls_cert: ""                     # serve HTTPS; see ` + "`jobwatch config cert`" + `
  tls_key: ""
  client_ca: ""

metrics:
  textfile: ""                     # e.g. /var/lib/node_exporter/jobwatch.prom

tracing:
  enabled: false
  endpoint: localhost:4318
  service_name: jobwatch

logging:
  level: info
  json: false
  file: false
`
