// Package cli implements the attendsync command-line interface.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/colthorp/attendsync-go/internal/config"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/logging"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/worker"
)

// Global flags
var (
	configPath string
	verbose    bool
	quiet      bool
	raw        bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "attendsync",
	Short: "attendsync – offline-first sync engine for the attendance app",
	Long: `attendsync sits between the attendance UI and its API. It caches the app
shell and API reads, queues attendance writes made while offline, and replays
them in order once the school network is reachable again.`,
	Version:       core.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", fmt.Sprintf("Config file (default: $%s or %s)", core.ConfigEnvVar, core.DefaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose debug output to stderr")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress progress messages")
	rootCmd.PersistentFlags().BoolVar(&raw, "raw", false, "Emit raw JSON instead of tables")
}

// env is what every command needs: configuration and a logger.
type env struct {
	cfg    config.Config
	logger *logging.Logger
}

func loadEnv(service string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Dir:     cfg.Log.Dir,
		Service: service,
		JSON:    cfg.Log.JSON,
		// Short-lived commands only log to stderr when asked to.
		Quiet: quiet || (!verbose && service != "serve"),
	})
	return &env{cfg: cfg, logger: logger}, nil
}

// openWorker opens the local stores for one-shot commands. It fails while
// a daemon holds the databases.
func (e *env) openWorker(m *metrics.Metrics) (*worker.Worker, error) {
	w, err := worker.Build(e.cfg, worker.BuildOptions{Logger: e.logger.Slog(), Metrics: m})
	if err != nil {
		return nil, fmt.Errorf("%w (is `attendsync serve` running against %s?)", err, e.cfg.DataDir)
	}
	return w, nil
}

func (e *env) close() {
	e.logger.Close()
}

// stdout is where command results go. Tests swap it.
var stdout io.Writer = os.Stdout
