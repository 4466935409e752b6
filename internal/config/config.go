package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	// Engine settings.
	ListenPortStart   int   `mapstructure:"listen_port_start"`
	ListenPortEnd     int   `mapstructure:"listen_port_end"`
	MaxConnections    int   `mapstructure:"max_connections"`
	DownloadRateLimit int64 `mapstructure:"download_rate_limit"`
	UploadRateLimit   int64 `mapstructure:"upload_rate_limit"`
	Seed              bool  `mapstructure:"seed"`

	// Download settings.
	DownloadDir        string `mapstructure:"download_dir"`
	MaxActiveDownloads int    `mapstructure:"max_active_downloads"`

	// Persistence.
	DBPath string `mapstructure:"db_path"`

	// Orchestration intervals.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	ResumeDataTimeout time.Duration `mapstructure:"resume_data_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`

	// Scheduler.
	SchedulerEnabled bool          `mapstructure:"scheduler_enabled"`
	SchedulePoll     time.Duration `mapstructure:"schedule_poll"`
	ScheduleStagger  time.Duration `mapstructure:"schedule_stagger"`

	// Catalog scraping.
	CatalogBaseURL string `mapstructure:"catalog_base_url"`
	RateLimit      int    `mapstructure:"rate_limit"`

	// HTTP server.
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ServerReadTimeout  time.Duration `mapstructure:"server_read_timeout"`
	ServerWriteTimeout time.Duration `mapstructure:"server_write_timeout"`
	ServerIdleTimeout  time.Duration `mapstructure:"server_idle_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("port", "8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("listen_port_start", 6881)
	viper.SetDefault("listen_port_end", 6891)
	viper.SetDefault("max_connections", 100)
	viper.SetDefault("download_rate_limit", 0)
	viper.SetDefault("upload_rate_limit", 0)
	viper.SetDefault("seed", true)
	viper.SetDefault("download_dir", "./downloads")
	viper.SetDefault("max_active_downloads", 3)
	viper.SetDefault("db_path", "./data/reelgrab.db")
	viper.SetDefault("reconcile_interval", "1s")
	viper.SetDefault("snapshot_interval", "30s")
	viper.SetDefault("resume_data_timeout", "5s")
	viper.SetDefault("shutdown_grace", "10s")
	viper.SetDefault("scheduler_enabled", true)
	viper.SetDefault("schedule_poll", "30s")
	viper.SetDefault("schedule_stagger", "2s")
	viper.SetDefault("catalog_base_url", "https://en.yts-official.mx")
	viper.SetDefault("rate_limit", 10)
	viper.SetDefault("request_timeout", "60s")
	viper.SetDefault("server_read_timeout", "30s")
	viper.SetDefault("server_write_timeout", "0s")
	viper.SetDefault("server_idle_timeout", "120s")
	viper.SetDefault("cors_allowed_origins", []string{"*"})

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
