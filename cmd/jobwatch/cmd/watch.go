package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/jobwatch/internal/api"
	"github.com/psantana5/jobwatch/internal/config"
	"github.com/psantana5/jobwatch/internal/diagnostic"
	"github.com/psantana5/jobwatch/internal/history"
	"github.com/psantana5/jobwatch/internal/jobstatus"
	"github.com/psantana5/jobwatch/internal/logcollect"
	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/monitor"
	"github.com/psantana5/jobwatch/internal/retention"
	"github.com/psantana5/jobwatch/internal/retry"
	"github.com/psantana5/jobwatch/internal/shutdown"
	"github.com/psantana5/jobwatch/internal/tracing"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=..."
var Version = "dev"

const shutdownTimeout = 15 * time.Second

var errMonitorStopped = errors.New("monitor stopped")

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor a running job until it completes",
	Long: `Watch samples the job status every interval and appends it to status.log
in the output directory. While the job runs, each node's log is collected
and scanned for failure signatures.

Watch returns when the job completes or on SIGINT/SIGTERM. It exits
non-zero only if monitoring itself crashed.

Example:
  jobwatch watch --config jobwatch.yaml
  jobwatch watch --interval 30s --hostfile hostfile --listen 127.0.0.1:9180
  JOBWATCH_HISTORY_DRIVER=sqlite3 JOBWATCH_HISTORY_DSN=history.db jobwatch watch`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("interval", 0, "time between status samples (overrides monitor.interval)")
	watchCmd.Flags().String("hostfile", "", "job hostfile, one host per line (overrides job.hostfile)")
	watchCmd.Flags().String("log-dir", "", "directory of host_<rank>_<host>.output logs (overrides job.log_dir)")
	watchCmd.Flags().String("pids-dir", "", "directory of launcher pid files (overrides job.pids_dir)")
	watchCmd.Flags().Bool("no-collect", false, "disable log collection")
	watchCmd.Flags().Bool("no-diagnostics", false, "disable diagnostics")
	watchCmd.Flags().String("listen", "", "serve the status API on this address (overrides api.listen)")

	viper.BindPFlag("monitor.interval", watchCmd.Flags().Lookup("interval"))
	viper.BindPFlag("job.hostfile", watchCmd.Flags().Lookup("hostfile"))
	viper.BindPFlag("job.log_dir", watchCmd.Flags().Lookup("log-dir"))
	viper.BindPFlag("job.pids_dir", watchCmd.Flags().Lookup("pids-dir"))
	viper.BindPFlag("api.listen", watchCmd.Flags().Lookup("listen"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noCollect, _ := cmd.Flags().GetBool("no-collect"); noCollect {
		cfg.Monitor.LogCollection = false
	}
	if noDiag, _ := cmd.Flags().GetBool("no-diagnostics"); noDiag {
		cfg.Monitor.Diagnostics = false
	}

	logger, err := newLogger(cfg, "watch")
	if err != nil {
		return err
	}
	defer logger.Close()

	printWatchBanner(cfg)

	sd := shutdown.New(shutdownTimeout, logger)
	defer sd.Shutdown()

	tp, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}
	sd.Register("tracing", tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	collab, err := buildCollaborators(cfg, logger, sd)
	if err != nil {
		return err
	}

	opts := []monitor.Option{
		monitor.WithLogger(logger.WithField("component", "monitor")),
		monitor.WithMetrics(metrics),
		monitor.WithTracer(tp.Tracer()),
	}

	var store *history.Store
	if cfg.History.Driver != "" {
		store, err = history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("failed to open tick history: %w", err)
		}
		sd.Register("history", shutdown.CloseResource(store, "history"))
		opts = append(opts, monitor.WithTickObserver(store.Observer(logger)))
	}

	if cfg.Metrics.Textfile != "" {
		path := cfg.Metrics.Textfile
		opts = append(opts, monitor.WithTickObserver(func(monitor.TickReport) {
			if err := monitor.WriteTextfile(reg, path); err != nil {
				logger.Warn("Failed to write metrics textfile", map[string]interface{}{"path": path, "error": err.Error()})
			}
		}))
	}

	mcfg, err := cfg.ToMonitorConfig()
	if err != nil {
		return err
	}
	rcfg, err := cfg.ToRetentionConfig()
	if err != nil {
		return err
	}
	retentionOpts := []retention.Option{
		retention.WithLogger(logger.WithField("component", "retention")),
		retention.WithRegisterer(reg),
	}
	if store != nil {
		retentionOpts = append(retentionOpts, retention.WithHistory(store))
	}
	sweeper := retention.New(mcfg.OutputDir, rcfg, retentionOpts...)

	svc, err := monitor.New(mcfg, collab, opts...)
	if err != nil {
		return err
	}

	sigCtx, stop := shutdown.NotifyContext(context.Background())
	defer stop()
	g, ctx := errgroup.WithContext(sigCtx)

	if cfg.API.Listen != "" {
		apiOpts := []api.Option{api.WithGatherer(reg), api.WithTracing(tp), api.WithLogger(logger)}
		if store != nil {
			apiOpts = append(apiOpts, api.WithHistory(store))
		}
		apiCfg := api.Config{
			Listen:    cfg.API.Listen,
			RateLimit: cfg.API.RateLimit,
			Burst:     cfg.API.Burst,
		}
		if cfg.API.TLSCert != "" {
			apiCfg.TLS, err = api.LoadTLSConfig(cfg.API.TLSCert, cfg.API.TLSKey, cfg.API.ClientCA)
			if err != nil {
				return fmt.Errorf("failed to load API TLS config: %w", err)
			}
		}
		server := api.NewServer(apiCfg, svc, apiOpts...)

		errCh, err := server.ListenAndServe(ctx)
		if err != nil {
			return fmt.Errorf("failed to start API: %w", err)
		}
		sd.Register("api", shutdown.StopHTTPServer(server, "api"))

		g.Go(func() error {
			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("api server: %w", err)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		})
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}
	sd.Register("monitor", func(context.Context) error {
		svc.Stop()
		return nil
	})

	g.Go(func() error {
		<-svc.Done()
		return errMonitorStopped
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errMonitorStopped) {
		logger.Error("Watch failed", map[string]interface{}{"error": err.Error()})
		svc.Stop()
		sd.Shutdown()
		return err
	}

	reason := svc.StopReason()
	summary := svc.StatusSummary()
	logger.Info("Monitoring finished", map[string]interface{}{
		"reason":      string(reason),
		"ticks":       summary.Ticks,
		"last_status": summary.LastStatus,
	})

	if failed := sd.Shutdown(); failed > 0 {
		logger.Warn("Some shutdown steps failed", map[string]interface{}{"failed": failed})
	}

	if reason == monitor.StopReasonCrashed {
		return errors.New("monitoring crashed, see the log for details")
	}
	return nil
}

// buildCollaborators wires the default status, collection, diagnostic and
// topology implementations from the config.
func buildCollaborators(cfg *config.Config, logger *logging.Logger, sd *shutdown.Manager) (monitor.Collaborators, error) {
	collab := monitor.Collaborators{
		Status: jobstatus.New(cfg.Job.PidsDir,
			jobstatus.WithProcessNames(cfg.Job.ProcessNames...),
			jobstatus.WithLogger(logger.WithField("component", "jobstatus")),
		),
	}

	if cfg.Job.Hostfile != "" {
		collab.Topology = monitor.HostfileTopology(cfg.Job.Hostfile)
	}

	if cfg.Monitor.LogCollection {
		collectOpts := []logcollect.Option{logcollect.WithLogger(logger.WithField("component", "collect"))}
		dialer, err := logcollect.NewSSHDialer(logcollect.SSHConfig{
			User:                  cfg.Collection.SSH.User,
			Port:                  cfg.Collection.SSH.Port,
			KeyFile:               cfg.Collection.SSH.KeyFile,
			KnownHosts:            cfg.Collection.SSH.KnownHosts,
			InsecureIgnoreHostKey: cfg.Collection.SSH.InsecureIgnoreHostKey,
			Timeout:               cfg.SSHTimeout(),
			Retry:                 retry.DefaultConfig(),
		}, logger)
		if err != nil {
			// Local nodes still work; remote ones fail per node
			logger.Warn("Remote log collection disabled", map[string]interface{}{"error": err.Error()})
		} else {
			collectOpts = append(collectOpts, logcollect.WithDialer(dialer))
		}

		collector := logcollect.New(logcollect.Config{
			LogDir:     cfg.Job.LogDir,
			TailBytes:  cfg.Collection.TailBytes,
			LocalHosts: cfg.Collection.LocalHosts,
		}, collectOpts...)
		sd.Register("collector", shutdown.CloseResource(collector, "collector"))
		collab.Logs = collector
	}

	if cfg.Monitor.Diagnostics {
		reporter, err := newReporter(cfg, logger)
		if err != nil {
			return collab, err
		}
		collab.Reports = reporter
	}
	return collab, nil
}

func newReporter(cfg *config.Config, logger *logging.Logger) (*diagnostic.Reporter, error) {
	opts := []diagnostic.Option{diagnostic.WithLogger(logger.WithField("component", "diagnostic"))}

	if cfg.Diagnostics.SignaturesFile != "" {
		sigs, err := diagnostic.LoadSignatures(cfg.Diagnostics.SignaturesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, diagnostic.WithSignatures(sigs))
	}

	if a := cfg.Diagnostics.Archive; a.Endpoint != "" {
		archiver, err := diagnostic.NewMinioArchiver(diagnostic.ArchiveConfig{
			Endpoint:  a.Endpoint,
			Bucket:    a.Bucket,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL,
			Region:    a.Region,
			Prefix:    a.Prefix,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, diagnostic.WithUploader(archiver))
	}

	return diagnostic.NewReporter(opts...), nil
}

func printWatchBanner(cfg *config.Config) {
	hostfile := cfg.Job.Hostfile
	if hostfile == "" {
		hostfile = "(local node only)"
	}
	fmt.Printf("╔════════════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║ jobwatch %-53s ║\n", Version)
	fmt.Printf("╠════════════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║ Interval:       %-46s ║\n", cfg.Monitor.Interval)
	fmt.Printf("║ Output dir:     %-46s ║\n", cfg.Monitor.OutputDir)
	fmt.Printf("║ Hostfile:       %-46s ║\n", hostfile)
	fmt.Printf("║ Log collection: %-46t ║\n", cfg.Monitor.LogCollection)
	fmt.Printf("║ Diagnostics:    %-46t ║\n", cfg.Monitor.Diagnostics)
	fmt.Printf("╚════════════════════════════════════════════════════════════════╝\n")
}
