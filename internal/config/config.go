package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"spikewatch/internal/logging"
	"spikewatch/internal/settings"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Transport  TransportConfig  `mapstructure:"transport"`
	QuietHours QuietHoursConfig `mapstructure:"quiet_hours"`
	Background BackgroundConfig `mapstructure:"background"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Server     ServerConfig     `mapstructure:"server"`
	Export     ExportConfig     `mapstructure:"export"`

	v *viper.Viper
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// MonitorConfig carries the detection rules.
type MonitorConfig struct {
	Symbols         []string                    `mapstructure:"symbols"`
	TrackAllSymbols bool                        `mapstructure:"track_all_symbols"`
	ThresholdPct    float64                     `mapstructure:"threshold_pct"`
	WindowMinutes   int                         `mapstructure:"window_minutes"`
	CooldownMinutes int                         `mapstructure:"cooldown_minutes"`
	RetentionDays   int                         `mapstructure:"retention_days"`
	MaxAlerts       int                         `mapstructure:"max_alerts"`
	SymbolRules     map[string]SymbolRuleConfig `mapstructure:"symbol_rules"`
}

// SymbolRuleConfig is a partial per-symbol override.
type SymbolRuleConfig struct {
	ThresholdPct    *float64 `mapstructure:"threshold_pct"`
	WindowMinutes   *int     `mapstructure:"window_minutes"`
	CooldownMinutes *int     `mapstructure:"cooldown_minutes"`
}

// TransportConfig covers the price-ticker source.
type TransportConfig struct {
	UseStreaming       bool          `mapstructure:"use_streaming"`
	PollIntervalSec    int           `mapstructure:"poll_interval_sec"`
	WSURL              string        `mapstructure:"ws_url"`
	TopicPrefix        string        `mapstructure:"topic_prefix"`
	RESTURL            string        `mapstructure:"rest_url"`
	TickerPath         string        `mapstructure:"ticker_path"`
	Category           string        `mapstructure:"category"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongTimeout        time.Duration `mapstructure:"pong_timeout"`
	ReconnectBaseDelay time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `mapstructure:"reconnect_max_delay"`
	PruneInterval      time.Duration `mapstructure:"prune_interval"`
}

// QuietHoursConfig describes the do-not-disturb range ("HH:MM").
type QuietHoursConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// BackgroundConfig governs the single-shot background invocation.
type BackgroundConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Notify      bool          `mapstructure:"notify"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// StorageConfig selects the persistent key-value backend.
type StorageConfig struct {
	Driver          string         `mapstructure:"driver"`
	SQLitePath      string         `mapstructure:"sqlite_path"`
	Postgres        DatabaseConfig `mapstructure:"postgres"`
	Redis           RedisConfig    `mapstructure:"redis"`
	AdvisoryLockKey int64          `mapstructure:"advisory_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the Redis key-value backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Sound    bool           `mapstructure:"sound"`
	Log      bool           `mapstructure:"log"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig publishes alerts to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ServerConfig exposes the optional status API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIKEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.v = v
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "spikewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("monitor.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("monitor.track_all_symbols", false)
	v.SetDefault("monitor.threshold_pct", settings.DefaultThresholdPct)
	v.SetDefault("monitor.window_minutes", settings.DefaultWindowMinutes)
	v.SetDefault("monitor.cooldown_minutes", settings.DefaultCooldownMinutes)
	v.SetDefault("monitor.retention_days", settings.DefaultRetentionDays)
	v.SetDefault("monitor.max_alerts", settings.DefaultMaxAlerts)

	v.SetDefault("transport.use_streaming", true)
	v.SetDefault("transport.poll_interval_sec", settings.DefaultPollIntervalSec)
	v.SetDefault("transport.ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("transport.topic_prefix", "tickers.")
	v.SetDefault("transport.rest_url", "https://api.bybit.com")
	v.SetDefault("transport.ticker_path", "/v5/market/tickers")
	v.SetDefault("transport.category", "linear")
	v.SetDefault("transport.request_timeout", "10s")
	v.SetDefault("transport.user_agent", "spikewatch/1.0")
	v.SetDefault("transport.ping_interval", "20s")
	v.SetDefault("transport.pong_timeout", "10s")
	v.SetDefault("transport.reconnect_base_delay", "1s")
	v.SetDefault("transport.reconnect_max_delay", "60s")
	v.SetDefault("transport.prune_interval", "30s")

	v.SetDefault("quiet_hours.enabled", false)
	v.SetDefault("quiet_hours.start", "22:00")
	v.SetDefault("quiet_hours.end", "07:00")

	v.SetDefault("background.enabled", true)
	v.SetDefault("background.notify", true)
	v.SetDefault("background.min_interval", "15m")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "data/spikewatch.db")
	v.SetDefault("storage.advisory_lock_key", int64(0x73706b77))
	v.SetDefault("storage.postgres.max_open_conns", 4)
	v.SetDefault("storage.postgres.max_idle_conns", 1)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.key_prefix", "spikewatch:")

	v.SetDefault("alerting.sound", true)
	v.SetDefault("alerting.log", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "spike_alerts")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":8080")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate rejects structural errors. Detection values are clamped later by
// settings.Normalize instead of failing here.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if strings.EqualFold(c.Storage.Driver, "postgres") && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	if c.QuietHours.Enabled {
		if _, err := settings.ParseClock(c.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet_hours.start: %w", err)
		}
		if _, err := settings.ParseClock(c.QuietHours.End); err != nil {
			return fmt.Errorf("quiet_hours.end: %w", err)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled && len(c.Alerting.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerting.kafka.brokers 必须配置")
	}
	return nil
}

// Settings converts the configuration into the normalized core settings.
func (c *Config) Settings() settings.Settings {
	start, _ := settings.ParseClock(c.QuietHours.Start)
	end, _ := settings.ParseClock(c.QuietHours.End)

	var rules map[string]settings.RuleOverride
	if len(c.Monitor.SymbolRules) > 0 {
		rules = make(map[string]settings.RuleOverride, len(c.Monitor.SymbolRules))
		for sym, r := range c.Monitor.SymbolRules {
			// viper lower-cases map keys; Normalize restores symbol casing.
			rules[sym] = settings.RuleOverride{
				ThresholdPct:    r.ThresholdPct,
				WindowMinutes:   r.WindowMinutes,
				CooldownMinutes: r.CooldownMinutes,
			}
		}
	}

	return settings.Settings{
		Symbols:         c.Monitor.Symbols,
		ThresholdPct:    c.Monitor.ThresholdPct,
		WindowMinutes:   c.Monitor.WindowMinutes,
		CooldownMinutes: c.Monitor.CooldownMinutes,
		RetentionDays:   c.Monitor.RetentionDays,
		MaxAlerts:       c.Monitor.MaxAlerts,
		PollIntervalSec: c.Transport.PollIntervalSec,
		UseStreaming:    c.Transport.UseStreaming,
		TrackAllSymbols: c.Monitor.TrackAllSymbols,
		QuietHours: settings.QuietHours{
			Enabled:     c.QuietHours.Enabled,
			StartMinute: start,
			EndMinute:   end,
			Timezone:    c.QuietHours.Timezone,
		},
		SymbolRules:       rules,
		BackgroundEnabled: c.Background.Enabled,
		BackgroundNotify:  c.Background.Notify,
		SoundEnabled:      c.Alerting.Sound,
	}.Normalize()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Watch re-reads the configuration file whenever it changes and hands the new
// config to fn. Invalid reloads are reported through onError and ignored.
func (c *Config) Watch(fn func(*Config), onError func(error)) bool {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return false
	}
	v := c.v
	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(next)
	})
	v.WatchConfig()
	return true
}
