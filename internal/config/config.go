package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Stages     StagesConfig     `yaml:"stages" mapstructure:"stages"`
	Progress   ProgressConfig   `yaml:"progress" mapstructure:"progress"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the staging store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourceConfig configures the business-registry JSON endpoints.
// Paths are templates: {page}, {orgnr} and {companyId} are substituted.
type SourceConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	SegmentPath    string  `yaml:"segment_path" mapstructure:"segment_path"`
	CompanyPath    string  `yaml:"company_path" mapstructure:"company_path"`
	FinancialsPath string  `yaml:"financials_path" mapstructure:"financials_path"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int     `yaml:"burst" mapstructure:"burst"`
}

// StagesConfig configures the stage worker pools.
type StagesConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	MaxSegmentPages int `yaml:"max_segment_pages" mapstructure:"max_segment_pages"`
	Years           int `yaml:"years" mapstructure:"years"`
}

// ProgressConfig configures the progress estimator.
type ProgressConfig struct {
	TargetCompanies           int     `yaml:"target_companies" mapstructure:"target_companies"`
	ExpectedPeriodsPerCompany int     `yaml:"expected_periods_per_company" mapstructure:"expected_periods_per_company"`
	StallRatePerMinute        float64 `yaml:"stall_rate_per_minute" mapstructure:"stall_rate_per_minute"`
	StallGraceMinutes         float64 `yaml:"stall_grace_minutes" mapstructure:"stall_grace_minutes"`
	StuckAfterMinutes         float64 `yaml:"stuck_after_minutes" mapstructure:"stuck_after_minutes"`
}

// JobsConfig configures the job state machine.
type JobsConfig struct {
	// RestartPolicy is "retain" (keep staged rows) or "purge" (delete them).
	RestartPolicy string `yaml:"restart_policy" mapstructure:"restart_policy"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background job watchdog.
type MonitoringConfig struct {
	Enabled           bool   `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "registry.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("source.base_url", "https://www.proff.no")
	v.SetDefault("source.segment_path", "/api/segmentation?page={page}")
	v.SetDefault("source.company_path", "/api/companies/{orgnr}")
	v.SetDefault("source.financials_path", "/api/companies/{companyId}/accounts")
	v.SetDefault("source.user_agent", "registry-cli/1.0")
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.rate_per_sec", 2.0)
	v.SetDefault("source.burst", 2)
	v.SetDefault("stages.workers", 4)
	v.SetDefault("stages.max_segment_pages", 500)
	v.SetDefault("stages.years", 5)
	v.SetDefault("progress.target_companies", 1000)
	v.SetDefault("progress.expected_periods_per_company", 5)
	v.SetDefault("progress.stall_rate_per_minute", 0.1)
	v.SetDefault("progress.stall_grace_minutes", 5)
	v.SetDefault("progress.stuck_after_minutes", 720)
	v.SetDefault("jobs.restart_policy", "retain")
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by the given command mode are present.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		missing = append(missing, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url is required")
	}

	switch c.Jobs.RestartPolicy {
	case "", "retain", "purge":
	default:
		missing = append(missing, "jobs.restart_policy must be retain or purge")
	}

	switch mode {
	case "run":
		if c.Source.BaseURL == "" {
			missing = append(missing, "source.base_url is required")
		}
		if c.Stages.Workers <= 0 {
			missing = append(missing, "stages.workers must be positive")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			missing = append(missing, "server.port must be between 1 and 65535")
		}
		if c.Monitoring.Enabled && c.Monitoring.CheckIntervalSecs <= 0 {
			missing = append(missing, "monitoring.check_interval_secs must be positive")
		}
	}

	if len(missing) > 0 {
		return eris.Errorf("config: %s", strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
