package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mpataki/simlaunch/internal/config"
	"github.com/mpataki/simlaunch/internal/graph"
	"github.com/mpataki/simlaunch/internal/launcher"
	"github.com/mpataki/simlaunch/internal/logging"
	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/storage"
	"github.com/mpataki/simlaunch/internal/tui"
	"github.com/mpataki/simlaunch/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simlaunch",
		Short: "Multi-robot simulation launcher",
		Long: "simlaunch starts a simulation world, a topic bridge and a chain of " +
			"processes per robot, starting each step only after the one it waits on exits cleanly.",
		RunE:         runTUI,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newLaunchCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore loads the configuration and opens the run database.
func openStore() (*config.Config, *storage.Storage, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, store, nil
}

func newLauncher(cfg *config.Config, store *storage.Storage, logger *slog.Logger, opts ...launcher.Option) *launcher.Launcher {
	program, args := cfg.ROS2Command()
	opts = append([]launcher.Option{
		launcher.WithROS2(program, args...),
		launcher.WithStopGrace(cfg.StopGrace),
		launcher.WithLogger(logger),
	}, opts...)
	return launcher.New(store, cfg.WorkspacesDir(), opts...)
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := loadSessions(cfg)
	if err != nil {
		return err
	}

	l := newLauncher(cfg, store, logging.NewNop())

	app := tui.NewApp(l, sessions)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

// composeSession resolves and builds the session named on the command line.
func composeSession(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, args []string) (*models.Session, error) {
	scriptPath, _ := cmd.Flags().GetString("script")
	pairs, _ := cmd.Flags().GetStringArray("arg")

	launchArgs, err := parseLaunchArgs(pairs)
	if err != nil {
		return nil, err
	}

	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	r, err := resolveManifest(cfg, name, scriptPath, launchArgs)
	if err != nil {
		return nil, err
	}
	for _, line := range r.logs {
		logger.Info("session script", "session", r.manifest.Name, "message", line)
	}

	sess, err := buildSession(cfg, r, launchArgs)
	if err != nil {
		return nil, err
	}
	for _, w := range sess.Warnings() {
		logger.Warn(w, "session", sess.Name())
	}
	return sess, nil
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringArray("arg", nil, "Launch argument as name:=value (repeatable)")
	cmd.Flags().String("script", "", "Evaluate a Lua session script instead of a named session")
}

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch [session]",
		Short: "Compose a session and run it until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noExec, _ := cmd.Flags().GetBool("no-exec")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			logger := logging.New(cfg.LogLevel)

			sess, err := composeSession(cmd, cfg, logger, args)
			if err != nil {
				return err
			}

			var metrics *launcher.Metrics
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				metrics = launcher.NewMetrics(reg)
				srv := serveMetrics(metricsAddr, reg, logger)
				defer srv.Close()
			}

			l := newLauncher(cfg, store, logger,
				launcher.WithMetrics(metrics),
				launcher.WithEntityListener(func(entity string, state models.EntityState) {
					if state == models.EntityReady || state == models.EntityFailed {
						fmt.Printf("Entity %s is %s\n", entity, state)
					}
				}),
			)

			run, err := l.StartRun(sess)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}

			fmt.Printf("Created run #%d\n", run.ID)
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Launching session %q with %d entities (Ctrl-C to stop)...\n", sess.Name(), len(sess.Entities()))
			if err := l.Execute(ctx, run, sess); err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			// Re-fetch run to get updated status
			run, err = l.GetRun(run.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Run completed with status: %s\n", run.Status)
			if run.Status == models.RunStatusFailed {
				return fmt.Errorf("run #%d failed: %s", run.ID, run.Error)
			}
			return nil
		},
	}

	addSessionFlags(cmd)
	cmd.Flags().Bool("no-exec", false, "Create the run but don't start any process")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :2112")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [session]",
		Short: "Print the composed session without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")

			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			sess, err := composeSession(cmd, cfg, logging.New(cfg.LogLevel), args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "text":
				fmt.Fprint(out, graph.GenerateText(sess))
			case "mermaid":
				fmt.Fprint(out, graph.GenerateMermaid(sess, nil))
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(planJSON{
					Name:     sess.Name(),
					Entities: sess.Entities(),
					Actions:  sess.Actions(),
					Warnings: sess.Warnings(),
				})
			default:
				return fmt.Errorf("unknown format %q (text, json, mermaid)", format)
			}
			return nil
		},
	}

	addSessionFlags(cmd)
	cmd.Flags().StringP("format", "f", "text", "Output format: text, json or mermaid")
	return cmd
}

type planJSON struct {
	Name     string          `json:"name"`
	Entities []models.Entity `json:"entities"`
	Actions  []models.Action `json:"actions"`
	Warnings []string        `json:"warnings,omitempty"`
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List available sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			sessions, err := loadSessions(cfg)
			if err != nil {
				return err
			}

			for _, name := range sortedNames(sessions) {
				m := sessions[name]
				switch {
				case m.Script != "":
					fmt.Printf("%-20s (lua) %s\n", name, m.Script)
				default:
					fmt.Printf("%-20s %d entities  %s\n", name, len(m.Entities), m.Description)
				}
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}
			showGraph, _ := cmd.Flags().GetBool("mermaid")

			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(runID)
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			execs, err := store.GetExecutionsForRun(runID)
			if err != nil {
				return err
			}

			if showGraph {
				return printRunGraph(run, execs)
			}

			fmt.Printf("Run #%d: %s\n", run.ID, run.SessionName)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Created: %s\n", storage.FormatTimeAgo(run.CreatedAt))
			fmt.Printf("Workspace: %s\n", run.WorkspacePath)
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			entities, err := store.GetEntityStates(runID)
			if err != nil {
				return err
			}
			if len(entities) > 0 {
				fmt.Println("\nEntities:")
				for _, e := range entities {
					fmt.Printf("  %-12s %s\n", e.Entity, e.State)
				}
			}

			if len(execs) > 0 {
				fmt.Println("\nSteps:")
				for _, exec := range execs {
					status := string(exec.Status)
					if exec.ExitCode != nil {
						status += fmt.Sprintf(" (exit %d)", *exec.ExitCode)
					}
					fmt.Printf("  %2d. %-20s [%s]\n", exec.SequenceNum, exec.StepID, status)
				}
			}

			return nil
		},
	}

	cmd.Flags().Bool("mermaid", false, "Print the spawn graph with step states as Mermaid")
	return cmd
}

// printRunGraph renders the session recorded in the run's workspace with
// each step coloured by its execution status.
func printRunGraph(run *models.Run, execs []*models.Execution) error {
	meta, err := workspace.OpenPath(run.WorkspacePath).ReadRunMetadata()
	if err != nil {
		return err
	}

	sess := models.NewSession(meta.SessionName, meta.Entities, meta.Actions, nil)
	overlay := &graph.Overlay{Steps: make(map[string]models.ExecStatus, len(execs))}
	for _, e := range execs {
		overlay.Steps[e.StepID] = e.Status
	}

	fmt.Print(graph.GenerateMermaid(sess, overlay))
	return nil
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%d %s [%s] %s %s\n",
					run.ID, run.SessionName, run.Status,
					storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Error, 50))
			}

			return nil
		},
	}
}

func newKillCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <run-id>",
		Short: "Stop a running session and kill its processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			l := newLauncher(cfg, store, logging.New(cfg.LogLevel))
			if err := l.KillRun(runID); err != nil {
				return fmt.Errorf("failed to kill run: %w", err)
			}

			fmt.Printf("Killed run #%d\n", runID)
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			l := newLauncher(cfg, store, logging.New(cfg.LogLevel))
			if err := l.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
