package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/jobwatch/internal/api"
	"github.com/psantana5/jobwatch/internal/config"
	"github.com/psantana5/jobwatch/internal/logging"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(config.ExampleConfig)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: `Prints the configuration after defaults, the config file, flags and
JOBWATCH_* environment variables have been applied.`,
	RunE: runConfigShow,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate snippet for jobwatch's own log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(logging.GenerateLogrotateConfig("jobwatch"))
		return nil
	},
}

var (
	certFile  string
	keyFile   string
	certHosts []string
)

var configCertCmd = &cobra.Command{
	Use:   "cert",
	Short: "Generate a self-signed certificate for the status API",
	Long: `Writes a self-signed certificate and key for api.tls_cert and
api.tls_key. localhost and the loopback addresses are always included.

Example:
  jobwatch config cert --host head-node --host 10.0.0.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.GenerateSelfSignedCert(certFile, keyFile, "jobwatch", certHosts...); err != nil {
			return err
		}
		fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCertCmd)
	configCertCmd.Flags().StringVar(&certFile, "cert", "jobwatch.crt", "certificate output path")
	configCertCmd.Flags().StringVar(&keyFile, "key", "jobwatch.key", "private key output path")
	configCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra host name or IP address (repeatable)")
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configLogrotateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	redacted := cfg.Redacted()
	if IsJSONOutput() {
		return printJSON(redacted)
	}

	out, err := redacted.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
