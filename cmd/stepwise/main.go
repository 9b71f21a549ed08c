package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rahul/stepwise/internal/agent"
	"github.com/rahul/stepwise/internal/gateway"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath  string
	verbose     bool
	autoApprove bool
	sessionID   string
	workspace   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "stepwise - plan-driven terminal agent",
	Long: `stepwise drives a language model through repeated passes: it recovers and
validates the model's JSON reply, keeps a dependency-ordered plan, runs at most
one approved shell command per pass and feeds the observation back.

Run without arguments to start an interactive session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if workspace != "" {
			cfg.App.Workspace = workspace
		}
		if autoApprove {
			cfg.Agent.AutoApprove = true
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		logger, err = buildLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run a single instruction and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), strings.Join(args, " "))
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the last persisted plan of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("session") {
			return errors.New("--session is required")
		}
		return printPlan(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto-approve", false, "Run every command without asking")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "Session id to resume (default: new session)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: from config)")

	rootCmd.AddCommand(runCmd, planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		for _, candidate := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
	}
	if configPath == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(configPath)
}

// buildLogger writes JSON logs to the configured file so they do not mix
// with the conversation on the terminal.
func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if err := os.MkdirAll(filepath.Dir(lc.Path), 0o755); err != nil {
		return nil, err
	}
	zc.OutputPaths = []string{lc.Path}
	return zc.Build()
}

// withInterrupts returns a context canceled by SIGTERM or by a SIGINT that
// arrives while no command is running. A SIGINT during a command only cancels
// that command.
func withInterrupts(parent context.Context, orch *agent.Orchestrator, console *gateway.Console) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig == os.Interrupt && orch.CancelActiveCommand() {
					console.Status(observability.StatusEvent{
						Level:   observability.LevelWarn,
						Message: "interrupted the running command",
					})
					continue
				}
				cancel()
				signal.Stop(sigs)
				if sig == os.Interrupt {
					console.Status(observability.StatusEvent{
						Level:   observability.LevelWarn,
						Message: "stopping; press Ctrl-C again to quit immediately",
					})
				}
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

func runInteractive(parent context.Context) error {
	console := gateway.NewConsole(os.Stdin, os.Stdout)
	app, err := newApp(parent, console)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := withInterrupts(parent, app.orch, console)
	defer stop()

	fmt.Fprintf(os.Stdout, "stepwise session %s (type 'exit' to quit)\n", sessionID)
	for {
		line, err := console.ReadLine("you> ")
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if _, err := app.orch.Run(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("pass failed", zap.Error(err))
			console.Status(observability.StatusEvent{Level: observability.LevelError, Message: err.Error(), NeedsHuman: true})
		}
	}
}

func runOnce(parent context.Context, instruction string) error {
	console := gateway.NewConsole(os.Stdin, os.Stdout)
	app, err := newApp(parent, console)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := withInterrupts(parent, app.orch, console)
	defer stop()

	outcome, err := app.orch.Run(ctx, instruction)
	if err != nil {
		return err
	}
	logger.Info("run finished", zap.String("session_id", sessionID), zap.Stringer("outcome", outcome))
	return nil
}
