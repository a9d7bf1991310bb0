package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg       *Config
	once      sync.Once
	mu        sync.RWMutex
	listeners []func(*Config)
)

// Config represents the engine configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Calendar CalendarConfig `mapstructure:"calendar"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Seed     SeedConfig     `mapstructure:"seed"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Debug    bool   `mapstructure:"debug"`
	Timezone string `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// JWTSecret enables bearer-token auth on the API when set.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type DatabaseConfig struct {
	// Driver is one of memory, postgres, mysql, sqlite3.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// EngineConfig tunes deadline tracking and case intake.
type EngineConfig struct {
	DefaultTier     string        `mapstructure:"default_tier"`
	AtRiskFraction  float64       `mapstructure:"at_risk_fraction"`
	Workers         int           `mapstructure:"workers"`
	ExternalTimeout time.Duration `mapstructure:"external_timeout"`
	ArchiveGrace    time.Duration `mapstructure:"archive_grace"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// DispatchConfig tunes the notification hand-off.
type DispatchConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
	Retry            RetryConfig   `mapstructure:"retry"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	BreachRecipient  string        `mapstructure:"breach_recipient"`
	BreachMethods    []string      `mapstructure:"breach_methods"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
	OperatorCapacity int           `mapstructure:"operator_capacity"`
}

type ChannelsConfig struct {
	Email struct {
		Enabled     bool       `mapstructure:"enabled"`
		From        string     `mapstructure:"from"`
		Domain      string     `mapstructure:"domain"`
		MaxAttempts int        `mapstructure:"max_attempts"`
		BatchSize   int        `mapstructure:"batch_size"`
		SMTP        SMTPConfig `mapstructure:"smtp"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled    bool              `mapstructure:"enabled"`
		GatewayURL string            `mapstructure:"gateway_url"`
		Token      string            `mapstructure:"token"`
		Timeout    time.Duration     `mapstructure:"timeout"`
		Recipients map[string]string `mapstructure:"recipients"`
	} `mapstructure:"sms"`
	InApp struct {
		Enabled  bool `mapstructure:"enabled"`
		Capacity int  `mapstructure:"capacity"`
	} `mapstructure:"in_app"`
	Recipients map[string]string `mapstructure:"recipients"`
}

// SMTPConfig is the outbound relay the mail queue is flushed through.
type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	AuthType   string `mapstructure:"auth_type"`
	TLSMode    string `mapstructure:"tls_mode"` // "", starttls, smtps
	SkipVerify bool   `mapstructure:"skip_verify"`
}

type CalendarConfig struct {
	File     string `mapstructure:"file"`
	Timezone string `mapstructure:"timezone"`
}

type RunnerConfig struct {
	EvaluationSchedule string        `mapstructure:"evaluation_schedule"`
	EvaluationTimeout  time.Duration `mapstructure:"evaluation_timeout"`
	RollupSchedule     string        `mapstructure:"rollup_schedule"`
	RollupTimeout      time.Duration `mapstructure:"rollup_timeout"`
	ArchiveSchedule    string        `mapstructure:"archive_schedule"`
	ArchiveTimeout     time.Duration `mapstructure:"archive_timeout"`
	MailSchedule       string        `mapstructure:"mail_schedule"`
	MailTimeout        time.Duration `mapstructure:"mail_timeout"`
}

type SeedConfig struct {
	File string `mapstructure:"file"`
}

// SetDefaults registers built-in defaults so a missing default.yaml still yields a runnable engine.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gotrs-sla")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "sla:dedup:")
	v.SetDefault("nats.subject", "sla.notifications.in_app")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("engine.default_tier", "standard")
	v.SetDefault("engine.at_risk_fraction", 0.2)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.external_timeout", 2*time.Second)
	v.SetDefault("engine.archive_grace", 24*time.Hour)
	v.SetDefault("engine.stale_after", 2*time.Hour)
	v.SetDefault("engine.retry.max_attempts", 3)
	v.SetDefault("engine.retry.initial_backoff", 200*time.Millisecond)
	v.SetDefault("engine.retry.max_backoff", 2*time.Second)
	v.SetDefault("dispatch.queue_size", 1024)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.retry.max_attempts", 3)
	v.SetDefault("dispatch.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.retry.max_backoff", 10*time.Second)
	v.SetDefault("dispatch.send_timeout", 5*time.Second)
	v.SetDefault("dispatch.dedup_ttl", 72*time.Hour)
	v.SetDefault("dispatch.breach_recipient", "sla-managers")
	v.SetDefault("dispatch.breach_methods", []string{"in-app"})
	v.SetDefault("dispatch.rate_per_second", 20.0)
	v.SetDefault("dispatch.burst", 40)
	v.SetDefault("dispatch.breaker_failures", 5)
	v.SetDefault("dispatch.breaker_open_for", 30*time.Second)
	v.SetDefault("dispatch.operator_capacity", 500)
	v.SetDefault("channels.email.enabled", true)
	v.SetDefault("channels.email.from", "sla-engine@localhost")
	v.SetDefault("channels.email.max_attempts", 5)
	v.SetDefault("channels.email.batch_size", 50)
	v.SetDefault("channels.email.smtp.host", "localhost")
	v.SetDefault("channels.email.smtp.port", 25)
	v.SetDefault("channels.sms.timeout", 5*time.Second)
	v.SetDefault("channels.in_app.enabled", true)
	v.SetDefault("channels.in_app.capacity", 200)
	v.SetDefault("calendar.timezone", "UTC")
	v.SetDefault("runner.evaluation_schedule", "@every 30s")
	v.SetDefault("runner.evaluation_timeout", 25*time.Second)
	v.SetDefault("runner.rollup_schedule", "0 5 * * * *")
	v.SetDefault("runner.rollup_timeout", 5*time.Minute)
	v.SetDefault("runner.archive_schedule", "@every 15m")
	v.SetDefault("runner.archive_timeout", time.Minute)
	v.SetDefault("runner.mail_schedule", "@every 1m")
	v.SetDefault("runner.mail_timeout", 50*time.Second)
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := viper.New()
		SetDefaults(v)

		v.SetConfigType("yaml")

		// default.yaml is optional, built-in defaults cover it
		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to read default config: %w", err)
				return
			}
			err = nil
		}

		// Environment-specific overrides (optional)
		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		v.SetEnvPrefix("GOTRS_SLA")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		loaded := &Config{}
		if err = v.Unmarshal(loaded); err != nil {
			err = fmt.Errorf("failed to unmarshal config: %w", err)
			return
		}
		if err = loaded.Validate(); err != nil {
			return
		}
		set(loaded)

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			newCfg := &Config{}
			if err := v.Unmarshal(newCfg); err != nil {
				return
			}
			if err := newCfg.Validate(); err != nil {
				return
			}
			set(newCfg)
		})
	})

	return err
}

// LoadFromFile loads configuration from a specific file (useful for testing)
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	set(loaded)
	return loaded, nil
}

// Defaults returns a Config holding only the built-in defaults.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)
	c := &Config{}
	_ = v.Unmarshal(c)
	return c
}

// OnChange registers fn to run after every successful reload.
func OnChange(fn func(*Config)) {
	mu.Lock()
	listeners = append(listeners, fn)
	mu.Unlock()
}

func set(c *Config) {
	mu.Lock()
	cfg = c
	ls := append([]func(*Config){}, listeners...)
	mu.Unlock()
	for _, fn := range ls {
		fn(c)
	}
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Engine.AtRiskFraction <= 0 || c.Engine.AtRiskFraction >= 1 {
		problems = append(problems, "engine.at_risk_fraction must be in (0, 1)")
	}
	if c.Engine.Workers < 1 {
		problems = append(problems, "engine.workers must be >= 1")
	}
	if c.Engine.ExternalTimeout <= 0 {
		problems = append(problems, "engine.external_timeout must be positive")
	}
	if c.Dispatch.QueueSize < 1 {
		problems = append(problems, "dispatch.queue_size must be >= 1")
	}
	if c.Dispatch.Retry.MaxAttempts < 1 {
		problems = append(problems, "dispatch.retry.max_attempts must be >= 1")
	}
	switch c.Database.Driver {
	case "memory", "postgres", "mysql", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// GetDSN returns the connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3":
		return c.Name
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}
