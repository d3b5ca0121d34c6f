// Package main provides the mdflow binary entry point. Mdflow is a
// filesystem-driven orchestration runtime: markdown task files move through
// classification, planning, approval, dispatch, and validation while the
// resilience controller and audit stream watch every step.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	goruntime "runtime"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c360studio/mdflow/config"
	"github.com/c360studio/mdflow/processor/approval"
	"github.com/c360studio/mdflow/processor/memory"
	"github.com/c360studio/mdflow/processor/scheduler"
	"github.com/c360studio/mdflow/task"
)

const (
	Version = "0.1.0"
	appName = "mdflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		rootPath string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Filesystem-driven task orchestration runtime",
		Long: `Mdflow watches a directory of markdown task files and moves each one
through classification, planning, approval gating, skill dispatch, and
validation. The filesystem is the system of record: every task is a
markdown file whose header carries its lifecycle state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(rootPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&rootPath, "root", "", "Workspace root (default: config, then current directory)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(versionCmd())
	cmd.AddCommand(statusCmd(&rootPath, &logLevel))
	cmd.AddCommand(approveCmd(&rootPath, &logLevel))
	cmd.AddCommand(scheduleCmd(&rootPath, &logLevel))
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	}
}

func runApp(rootPath, logLevel string) error {
	logger := newLogger(logLevel)
	cfg, err := loadConfig(rootPath, logger)
	if err != nil {
		return err
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return err
	}
	logger.Info("Mdflow running",
		"version", Version,
		"root", cfg.Root.Path)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	app.Stop(stopCtx)
	logger.Info("Shutdown complete")
	return nil
}

func statusCmd(rootPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state from the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*rootPath, newLogger(*logLevel))
			if err != nil {
				return err
			}
			store := task.NewStore(cfg.Root.Path)
			data, err := os.ReadFile(store.LogsDir() + "/" + memory.StateFileName)
			if os.IsNotExist(err) {
				fmt.Println("No dashboard yet; start the runtime to generate one.")
				return nil
			}
			if err != nil {
				return err
			}
			var snapshot memory.Snapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("parse dashboard state: %w", err)
			}

			fmt.Printf("Workspace: %s\n", cfg.Root.Path)
			fmt.Printf("Snapshot:  %s\n\n", snapshot.GeneratedAt.Format(time.RFC3339))
			fmt.Println("Pipeline:")
			for _, stage := range []string{"inbox", "approval", "active", "done"} {
				fmt.Printf("  %-10s %d\n", stage, snapshot.Stages[stage])
			}
			if len(snapshot.Recent) > 0 {
				fmt.Println("\nRecent completions:")
				for _, r := range snapshot.Recent {
					fmt.Printf("  %s (%s)\n", r.Title, r.Status)
				}
			}
			return nil
		},
	}
}

func approveCmd(rootPath, logLevel *string) *cobra.Command {
	var (
		approver string
		reject   bool
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "approve <task-file>",
		Short: "Record a decision on a pending approval artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*rootPath, newLogger(*logLevel))
			if err != nil {
				return err
			}
			store := task.NewStore(cfg.Root.Path)

			name := args[0]
			if !strings.HasSuffix(name, ".md") {
				name += ".md"
			}
			name = strings.TrimPrefix(name, approval.ArtifactPrefix)
			artifactPath := store.ApprovalDir() + "/" + approval.ArtifactPrefix + name
			if _, err := os.Stat(artifactPath); err != nil {
				return fmt.Errorf("no pending approval for %s", name)
			}

			var decision string
			if reject {
				if reason == "" {
					reason = "rejected by operator"
				}
				decision = fmt.Sprintf("APPROVED: NO\nReason: %s\n", reason)
			} else {
				if approver == "" {
					return fmt.Errorf("--by is required when approving")
				}
				decision = fmt.Sprintf("APPROVED: YES\nApproved by: %s\n", approver)
			}

			// The Decision section is the artifact's final section, so the
			// decision lines can be appended directly.
			f, err := os.OpenFile(artifactPath, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.WriteString(decision); err != nil {
				return err
			}
			if reject {
				fmt.Printf("Rejected %s\n", name)
			} else {
				fmt.Printf("Approved %s (by %s)\n", name, approver)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&approver, "by", "", "Name recorded as the approver")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason")
	return cmd
}

func scheduleCmd(rootPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "List schedule entries and their next runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*rootPath, newLogger(*logLevel))
			if err != nil {
				return err
			}
			store := task.NewStore(cfg.Root.Path)
			schedule, err := scheduler.LoadSchedule(cfg.Root.Path + "/schedule.yaml")
			if err != nil {
				return err
			}
			state, err := scheduler.LoadState(store.LogsDir() + "/" + scheduler.StateFileName)
			if err != nil {
				return err
			}

			fmt.Printf("%-20s %-10s %-15s %-8s %-8s %s\n",
				"NAME", "TYPE", "SCHEDULE", "RUNS", "FAILS", "NEXT RUN")
			for name, entry := range schedule.Tasks {
				st := state.Entry(name)
				next := "-"
				if !st.NextRun.IsZero() {
					next = st.NextRun.Format(time.RFC3339)
				}
				enabled := ""
				if !entry.Enabled {
					enabled = " (disabled)"
				}
				fmt.Printf("%-20s %-10s %-15s %-8d %-8d %s%s\n",
					name, entry.Type, entry.Schedule, st.RunCount, st.FailCount, next, enabled)
			}
			return nil
		},
	}
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(rootPath string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, err
	}
	if rootPath != "" {
		cfg.Root.Path = rootPath
	}
	return cfg, nil
}
