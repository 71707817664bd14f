package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"coreastra/internal/config"
	"coreastra/internal/security"
	"coreastra/internal/store"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// doctorReport counts check results and prints them.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your CoreAstra installation",
		Long: `Verifies that CoreAstra's configuration, analyzer rules, shell, database,
backup root and server port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("CoreAstra Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			// 1. Config file
			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s (using defaults)", cfgPath))
				cfg = config.Defaults()
				cfg.ExpandPaths()
			} else if loaded, err := config.Load(cfgPath); err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config is invalid")
			} else {
				cfg = loaded
				r.pass("Config file", cfgPath)
			}

			// 2. Analyzer rules compile
			if _, err := security.NewAnalyzer(cfg.Analyzer, "", logger); err != nil {
				r.fail("Analyzer rules", err.Error())
			} else if cfg.Analyzer.RulesFile != "" {
				r.pass("Analyzer rules", cfg.Analyzer.RulesFile)
			} else {
				r.pass("Analyzer rules", "built-in table")
			}

			// 3. Shell
			if path, err := exec.LookPath(cfg.Execution.Shell); err != nil {
				r.fail("Shell", fmt.Sprintf("%s: %v", cfg.Execution.Shell, err))
			} else {
				r.pass("Shell", path)
			}

			// 4. Workspace
			if info, err := os.Stat(cfg.General.Workspace); err != nil {
				r.warn("Workspace", fmt.Sprintf("not found: %s (run 'coreastra init')", cfg.General.Workspace))
			} else if !info.IsDir() {
				r.fail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
			} else {
				r.pass("Workspace", cfg.General.Workspace)
			}

			// 5. Database writable
			if err := checkDatabase(cfg.Storage.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Storage.DBPath)
			}

			// 6. Backup root writable
			if cfg.Backup.Enabled {
				if err := checkWritableDir(cfg.Backup.Root); err != nil {
					r.fail("Backup root", err.Error())
				} else {
					r.pass("Backup root", cfg.Backup.Root)
				}
			} else {
				r.warn("Backups", "disabled; destructive commands run without snapshots")
			}

			// 7. Server port and auth
			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
					r.warn("Server port", fmt.Sprintf("%s:%d may be in use: %v", cfg.Server.Host, cfg.Server.Port, err))
				} else {
					r.pass("Server port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				}
				if !cfg.Server.Auth.Enabled && cfg.Server.Host != "127.0.0.1" && cfg.Server.Host != "localhost" {
					r.warn("Server auth", "disabled on a non-loopback address")
				}
			}

			// 8. Log file
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(dirOf(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running CoreAstra.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nCoreAstra should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! CoreAstra is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(dirOf(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", store.DSN(dbPath))
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
