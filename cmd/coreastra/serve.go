package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"coreastra/internal/audit"
	"coreastra/internal/backup"
	"coreastra/internal/bus"
	"coreastra/internal/channel"
	"coreastra/internal/config"
	"coreastra/internal/domain"
	"coreastra/internal/metrics"
	"coreastra/internal/pipeline"
	"coreastra/internal/security"
	"coreastra/internal/shell"
	"coreastra/internal/store"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// app is the wired pipeline shared by serve, run and shell.
type app struct {
	store    *store.SQLiteStore // nil when the database could not be opened
	audit    *audit.Logger   // nil when audit is disabled
	backups  *backup.Manager // nil when backups are disabled
	bus      *bus.NotificationBus
	pipeline *pipeline.Coordinator
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.Open(cfg.Storage.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}

// openApp builds the pipeline from cfg. Commands without an explicit cwd
// run in workDir, or the process working directory when it is empty.
// An unavailable database degrades audit to the log and leaves backups
// unindexed; it never stops the pipeline from starting.
func openApp(cfg *config.Config, workDir string) (*app, error) {
	st, err := openStore(cfg)
	if err != nil {
		logger.Warn("database unavailable, audit entries go to the log only", "path", cfg.Storage.DBPath, "err", err)
		st = nil
	}
	rt := &app{store: st, bus: bus.New(100, logger)}

	pcfg := pipeline.Config{
		Executor: shell.New(shell.Config{
			Shell:          cfg.Execution.Shell,
			Timeout:        time.Duration(cfg.Execution.TimeoutSeconds) * time.Second,
			MaxOutputBytes: cfg.Execution.MaxOutputBytes,
			EventBuffer:    cfg.Execution.EventBuffer,
			WaitDelay:      time.Duration(cfg.Execution.WaitDelayMs) * time.Millisecond,
			Logger:         logger,
		}),
		Bus:     rt.bus,
		Logger:  logger,
		WorkDir: workDir,
	}
	pcfg.ApplyGateConfig(cfg.Gate)

	if cfg.Audit.Enabled {
		acfg := audit.Config{
			QueueSize:    cfg.Audit.QueueSize,
			WriteTimeout: time.Duration(cfg.Audit.WriteTimeoutMs) * time.Millisecond,
			Logger:       logger,
		}
		if st != nil {
			acfg.Store = st
		}
		rt.audit = audit.New(acfg)
		pcfg.Audit = rt.audit
	}

	if cfg.Backup.Enabled {
		bcfg := backup.Config{
			Root:      cfg.Backup.Root,
			MaxSizeMB: cfg.Backup.MaxSizeMB,
			Logger:    logger,
		}
		if st != nil {
			bcfg.Index = st
		}
		if rt.audit != nil {
			bcfg.Audit = rt.audit
		}
		if rt.backups, err = backup.NewManager(bcfg); err != nil {
			rt.Close()
			return nil, err
		}
		pcfg.Backups = rt.backups
	}

	analyzer, err := security.NewAnalyzer(cfg.Analyzer, workDir, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	pcfg.Analyzer = analyzer

	if rt.pipeline, err = pipeline.New(pcfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close shuts the pipeline down, then drains the bus and the audit queue
// before closing the store.
func (rt *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.pipeline != nil {
		if err := rt.pipeline.Shutdown(ctx); err != nil {
			logger.Warn("pipeline shutdown", "err", err)
		}
	}
	rt.bus.Close()
	if rt.audit != nil {
		if err := rt.audit.Close(ctx); err != nil {
			logger.Warn("audit shutdown", "err", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			logger.Warn("store close", "err", err)
		}
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and notifiers",
		Long:  "Serves the terminal HTTP API (SSE), the WebSocket terminal and metrics, and starts every enabled notifier. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if !cfg.Server.Enabled {
		return fmt.Errorf("server is disabled (set server.enabled to true)")
	}

	ctx, stop := signalContext()
	defer stop()

	rt, err := openApp(cfg, cfg.General.Workspace)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.pipeline.Start(ctx)

	apiCfg := channel.APIConfig{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Version:  version,
		Auth:     cfg.Server.Auth,
		Pipeline: rt.pipeline,
		Config:   cfg,
		Logger:   logger,
	}
	if rt.backups != nil {
		apiCfg.Backups = rt.backups
	}
	if rt.audit != nil && rt.store != nil {
		apiCfg.Audit = rt.audit
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = metrics.Collector.Handler()
		apiCfg.MetricsPath = cfg.Metrics.Endpoint
	}

	var ws *channel.WebSocketChannel
	if cfg.Server.WebSocketPath != "" {
		ws = channel.NewWebSocketChannel(channel.WSConfig{
			Path:     cfg.Server.WebSocketPath,
			Pipeline: rt.pipeline,
			Logger:   logger,
		})
		ws.Attach(rt.bus)
		apiCfg.WebSocket = ws
	}

	notifiers, err := buildNotifiers(cfg, rt.pipeline.Decider())
	if err != nil {
		return err
	}
	for _, n := range notifiers {
		go func() {
			if err := n.Start(ctx, rt.bus); err != nil {
				logger.Error("notifier stopped", "notifier", n.Name(), "err", err)
			}
		}()
		logger.Info("notifier enabled", "notifier", n.Name())
	}

	api := channel.NewAPI(apiCfg)
	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(ctx) }()

	select {
	case err = <-errCh:
		if err != nil && err != http.ErrServerClosed {
			stop()
			return fmt.Errorf("api server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	if ws != nil {
		ws.Close()
	}
	return nil
}

func buildNotifiers(cfg *config.Config, decider domain.Decider) ([]domain.Notifier, error) {
	var out []domain.Notifier
	n := cfg.Notify
	if n.Telegram.Enabled && n.Telegram.Token != "" {
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:     n.Telegram.Token,
			AllowFrom: n.Telegram.AllowFrom,
			ChatID:    n.Telegram.ChatID,
			Decider:   decider,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	if n.Slack.Enabled && n.Slack.BotToken != "" {
		out = append(out, channel.NewSlack(channel.SlackConfig{BotToken: n.Slack.BotToken, Channel: n.Slack.Channel, Logger: logger}))
	}
	if n.Discord.Enabled && n.Discord.Token != "" {
		out = append(out, channel.NewDiscord(channel.DiscordConfig{Token: n.Discord.Token, ChannelID: n.Discord.ChannelID, Logger: logger}))
	}
	if n.Webhook.Enabled && n.Webhook.URL != "" {
		out = append(out, channel.NewWebhook(channel.WebhookConfig{URL: n.Webhook.URL, Secret: n.Webhook.Secret, Logger: logger}))
	}
	return out, nil
}
