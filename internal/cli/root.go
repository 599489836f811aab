package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/funcbox/internal/config"
)

// version is set at build time with -ldflags "-X".
var version = "0.1.0-dev"

var (
	cfgFile   string
	verbose   bool
	serverURL string
	apiToken  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "funcbox",
	Short: "A versioned function registry with sandboxed execution and triggers",
	Long: `funcbox hosts user-authored functions and runs them on demand, on
application events and on schedules.

  - Versioned function registry with strictly increasing semantic versions
  - Sandboxed execution with per-function timeouts and memory ceilings
  - Event triggers with CEL filters ($.total > 100)
  - Cron and semantic schedules ($.Daily at 09:00) that fire exactly once

Start the server:
  funcbox serve

Register and invoke a function:
  funcbox register -f functions/hello.yaml
  funcbox invoke hello-world --params '{"name":"Developer"}'`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(loggingConfig())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./funcbox.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "funcbox server URL (or FUNCBOX_URL, default http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token (or FUNCBOX_TOKEN)")
}

// loadConfig reads the config file, FUNCBOX_* variables and defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// loggingConfig returns the logging section, falling back to defaults when
// the config cannot be read; the command itself reports that error.
func loggingConfig() config.LoggingConfig {
	cfg, err := loadConfig()
	if err != nil {
		return config.Default().Logging
	}
	return cfg.Logging
}

// setupLogging configures zerolog from the logging section. --verbose
// forces debug output.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := logger.With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Version returns the version string.
func Version() string {
	return fmt.Sprintf("funcbox version %s", version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the funcbox version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
