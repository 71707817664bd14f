package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"coreastra/internal/channel"
	"coreastra/internal/config"
	"coreastra/internal/domain"
	"coreastra/internal/security"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string // overrides general.logLevel when set
)

// exitError carries a process exit status out of a command.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "coreastra",
		Short:         "CoreAstra: safety-gated shell command execution",
		Long:          "CoreAstra classifies shell commands by risk, holds dangerous ones for confirmation, backs up what they touch and streams their output.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.coreastra/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(analyzeCmd())
	root.AddCommand(runCmd())
	root.AddCommand(shellCmd())
	root.AddCommand(backupsCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		if e, ok := err.(exitError); ok {
			os.Exit(e.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and replaces the global logger per general.logLevel/logFile.
// The returned func closes the log file, if any.
func loadConfig() (*config.Config, func(), error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, nil, err
		}
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.ExpandPaths()
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, closeLog, nil
}

func setupLogger(cfg *config.Config) (func(), error) {
	lvl := cfg.General.LogLevel
	if logLevel != "" {
		lvl = logLevel
	}
	opts := &slog.HandlerOptions{Level: parseLevel(lvl)}

	if cfg.General.LogFile == "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		return func() {}, nil
	}
	if err := os.MkdirAll(dirOf(cfg.General.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger = slog.New(slog.NewJSONHandler(f, opts))
	return func() { f.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[:i]
		}
	}
	return "."
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config, workspace and backup directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			cfg.ExpandPaths()
			for _, dir := range []string{cfg.General.Workspace, cfg.Backup.Root} {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace, "backups", cfg.Backup.Root)
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "analyze [command]",
		Short: "Classify a command without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			command := strings.Join(args, " ")
			if strings.TrimSpace(command) == "" {
				return domain.ErrEmptyCommand
			}
			analyzer, err := security.NewAnalyzer(cfg.Analyzer, cwd, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), analyzer.Analyze(command))
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "directory relative paths resolve against (default: current directory)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		cwd    string
		yes    bool
		backup bool
	)
	cmd := &cobra.Command{
		Use:   "run [command]",
		Short: "Run one command through the safety pipeline",
		Long: `Analyzes the command, asks for confirmation when it is risky, backs up
affected paths when requested and streams its output. The exit status is the
command's own.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signalContext()
			defer stop()

			rt, err := openApp(cfg, "")
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.pipeline.Start(ctx)

			console := channel.NewConsole(channel.ConsoleConfig{
				Pipeline:    rt.pipeline,
				In:          cmd.InOrStdin(),
				Out:         cmd.OutOrStdout(),
				ErrOut:      cmd.ErrOrStderr(),
				AutoApprove: yes,
				Logger:      logger,
			})
			fin, err := console.Run(ctx, domain.ExecRequest{
				Command:      strings.Join(args, " "),
				Confirmed:    yes,
				CreateBackup: backup,
				Cwd:          cwd,
			})
			if err != nil {
				return err
			}
			if code := channel.ExitCode(fin); code != 0 {
				return exitError{code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the command")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve confirmation prompts (cool-downs still apply)")
	cmd.Flags().BoolVarP(&backup, "backup", "b", false, "back up affected paths before running")
	return cmd
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console: every line runs through the safety pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signalContext()
			defer stop()

			rt, err := openApp(cfg, "")
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.pipeline.Start(ctx)

			return channel.NewConsole(channel.ConsoleConfig{
				Pipeline: rt.pipeline,
				In:       cmd.InOrStdin(),
				Out:      cmd.OutOrStdout(),
				ErrOut:   cmd.ErrOrStderr(),
				Logger:   logger,
			}).Start(ctx)
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		limit     int
		offset    int
		since     time.Duration
		riskLevel string
		status    string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			f := domain.AuditFilter{Limit: limit, Offset: offset, Status: domain.AuditStatus(strings.ToLower(status))}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			if riskLevel != "" {
				if f.RiskLevel, err = domain.ParseRiskLevel(riskLevel); err != nil {
					return err
				}
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.QueryAudit(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIME\tACTION\tRISK\tSTATUS\tSESSION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.ActionType, e.RiskLevel, e.Status, e.SessionID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().StringVar(&riskLevel, "risk", "", "risk level filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter: approved, rejected, succeeded, failed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. gate.criticalCooldownSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. gate.overflow queue)",
		Long:  "Set a config value, parsed as the field's type. Lists are comma-separated; server.auth.password stores its SHA-256 as server.auth.passwordHash.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), config.ListPaths(config.Sanitize(cfg)))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
