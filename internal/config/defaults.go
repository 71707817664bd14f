package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.coreastra/workspace",
			LogLevel:  "info",
		},
		Server: ServerConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          8000,
			WebSocketPath: "/ws/terminal",
		},
		Storage: StorageConfig{
			DBPath: "~/.coreastra/coreastra.db",
		},
		Analyzer: AnalyzerConfig{
			Thresholds: Thresholds{
				Low:      10,
				Medium:   35,
				High:     60,
				Critical: 80,
			},
		},
		Gate: GateConfig{
			CriticalCooldownSeconds: 5,
			ConfirmTimeoutSeconds:   300,
			MaxConcurrent:           1,
			Overflow:                "reject",
			MaxQueue:                16,
			SweepIntervalMillis:     1000,
			RetentionSeconds:        600,
		},
		Execution: ExecutionConfig{
			Shell:          "/bin/sh",
			TimeoutSeconds: 300,
			MaxOutputBytes: 1 << 20,
			EventBuffer:    64,
			WaitDelayMs:    2000,
		},
		Backup: BackupConfig{
			Enabled:   true,
			Root:      "~/.coreastra/backups",
			MaxSizeMB: 100,
		},
		Audit: AuditConfig{
			Enabled:        true,
			QueueSize:      256,
			WriteTimeoutMs: 5000,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
