package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colthorp/attendsync-go/internal/api"
	"github.com/colthorp/attendsync-go/internal/core"
	"github.com/colthorp/attendsync-go/internal/metrics"
	"github.com/colthorp/attendsync-go/internal/output"
	"github.com/colthorp/attendsync-go/internal/server"
	"github.com/colthorp/attendsync-go/internal/syncer"
	"github.com/colthorp/attendsync-go/internal/telemetry"
	"github.com/colthorp/attendsync-go/internal/worker"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(mcpCmd)

	queueCmd.AddCommand(queueListCmd, queueRemoveCmd, queueDeadLettersCmd)
	cacheCmd.AddCommand(cacheWarmCmd, cacheActivateCmd, cacheListCmd)

	serveCmd.Flags().Bool("trace", false, "Export drain and replay spans to stderr")
}

// serveCmd runs the daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and local proxy",
	Args:  cobra.NoArgs,
	RunE:  handleServe,
}

// syncCmd drains the queue once
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued mutations once (daemon must be stopped)",
	Args:  cobra.NoArgs,
	RunE:  handleSync,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in replay order",
	Args:  cobra.NoArgs,
	RunE:  handleQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Drop a pending mutation without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE:  handleQueueRemove,
}

var queueDeadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List mutations the server rejected permanently",
	Args:  cobra.NoArgs,
	RunE:  handleDeadLetters,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cache generations",
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Fetch the static asset manifest into the STATIC generation",
	Args:  cobra.NoArgs,
	RunE:  handleCacheWarm,
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Delete every generation other than the configured ones",
	Args:  cobra.NoArgs,
	RunE:  handleCacheActivate,
}

var cacheListCmd = &cobra.Command{
	Use:   "list [generation]",
	Short: "List generations, or the entries of one generation",
	Args:  cobra.MaximumNArgs(1),
	RunE:  handleCacheList,
}

// mcpCmd starts the MCP server
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for AI integration",
	Args:  cobra.NoArgs,
	RunE:  handleMCP,
}

func handleServe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv("serve")
	if err != nil {
		return err
	}
	defer e.close()
	logger := e.logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig(os.Stderr))
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	m := metrics.New()
	transport := api.NewHTTPTransport(api.HTTPOptions{Timeout: e.cfg.Cache.FetchTimeout, Logger: logger})
	w, err := worker.Build(e.cfg, worker.BuildOptions{Transport: transport, Logger: logger, Metrics: m})
	if err != nil {
		return err
	}
	defer w.Close()

	if n, err := w.Store().Count(ctx); err == nil {
		m.SetQueueDepth(n)
	}

	core.ProgressPrint(fmt.Sprintf("Installing %s from %s…", e.cfg.Generations.Static, e.cfg.Origin), quiet)
	if err := w.Start(ctx); err != nil {
		return err
	}

	monitor := syncer.NewMonitor(transport, w.Coordinator(), syncer.MonitorOptions{
		Origin:    e.cfg.Origin,
		ProbePath: e.cfg.Connectivity.ProbePath,
		Interval:  e.cfg.Connectivity.Interval,
		Logger:    logger,
		Metrics:   m,
	})
	go monitor.Run(ctx)

	srv := server.New(w, server.Options{
		Listen:  e.cfg.Listen,
		Monitor: monitor,
		Metrics: m,
		Logger:  logger,
	})
	core.ProgressPrint(fmt.Sprintf("Serving on http://%s", e.cfg.Listen), quiet)
	return srv.Run(ctx)
}

func handleSync(cmd *cobra.Command, args []string) error {
	e, err := loadEnv("sync")
	if err != nil {
		return err
	}
	defer e.close()

	w, err := e.openWorker(nil)
	if err != nil {
		return err
	}
	defer w.Close()

	done, err := w.Dispatch(cmd.Context(), worker.Event{Kind: worker.EventSync, Tag: core.SyncTag})
	if err != nil {
		return err
	}
	if raw {
		return output.PrintJSON(stdout, done.Sync)
	}
	output.PrintSyncResult(stdout, done.Sync)
	return nil
}

func handleQueueList(cmd *cobra.Command, args []string) error {
	return withWorker("queue", func(w *worker.Worker) error {
		records, err := w.Store().ListAll(cmd.Context())
		if err != nil {
			return err
		}
		if raw {
			output.StreamJSONSlice(stdout, records)
			return nil
		}
		output.PrintMutations(stdout, records)
		return nil
	})
}

func handleQueueRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid id %q", args[0])
	}
	return withWorker("queue", func(w *worker.Worker) error {
		if err := w.Store().Remove(cmd.Context(), id); err != nil {
			return err
		}
		core.ProgressPrint(fmt.Sprintf("Removed mutation %d", id), quiet)
		return nil
	})
}

func handleDeadLetters(cmd *cobra.Command, args []string) error {
	return withWorker("queue", func(w *worker.Worker) error {
		dead, err := w.Store().ListDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		if raw {
			output.StreamJSONSlice(stdout, dead)
			return nil
		}
		output.PrintDeadLetters(stdout, dead)
		return nil
	})
}

func handleCacheWarm(cmd *cobra.Command, args []string) error {
	return withWorker("cache", func(w *worker.Worker) error {
		core.ProgressPrint(fmt.Sprintf("Warming %s…", w.Cache().StaticGeneration()), quiet)
		if _, err := w.Dispatch(cmd.Context(), worker.Event{Kind: worker.EventInstall}); err != nil {
			return err
		}
		entries, err := w.Cache().Entries(w.Cache().StaticGeneration())
		if err != nil {
			return err
		}
		core.ProgressPrint(fmt.Sprintf("Cached %d assets", len(entries)), quiet)
		return nil
	})
}

func handleCacheActivate(cmd *cobra.Command, args []string) error {
	return withWorker("cache", func(w *worker.Worker) error {
		done, err := w.Dispatch(cmd.Context(), worker.Event{Kind: worker.EventActivate})
		if err != nil {
			return err
		}
		if raw {
			return output.PrintJSON(stdout, map[string]any{"removed": done.Removed})
		}
		if len(done.Removed) == 0 {
			fmt.Fprintln(stdout, "No stale generations.")
		}
		for _, g := range done.Removed {
			fmt.Fprintf(stdout, "Deleted %s\n", g)
		}
		return nil
	})
}

func handleCacheList(cmd *cobra.Command, args []string) error {
	return withWorker("cache", func(w *worker.Worker) error {
		if len(args) == 0 {
			gens, err := w.Cache().Generations()
			if err != nil {
				return err
			}
			if raw {
				return output.PrintJSON(stdout, gens)
			}
			for _, g := range gens {
				fmt.Fprintln(stdout, g)
			}
			return nil
		}

		entries, err := w.Cache().Entries(args[0])
		if err != nil {
			return err
		}
		if raw {
			output.StreamJSONSlice(stdout, entries)
			return nil
		}
		output.PrintEntries(stdout, args[0], entries)
		return nil
	})
}

func handleMCP(cmd *cobra.Command, args []string) error {
	return withWorker("mcp", func(w *worker.Worker) error {
		return runMCPServer(cmd.Context(), w, os.Stdin, stdout)
	})
}

func withWorker(service string, fn func(*worker.Worker) error) error {
	e, err := loadEnv(service)
	if err != nil {
		return err
	}
	defer e.close()

	w, err := e.openWorker(nil)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(w)
}
