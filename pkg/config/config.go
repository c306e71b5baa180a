package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures runtime settings for the pagesmith service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Secret    string          `mapstructure:"secret"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	License   LicenseConfig   `mapstructure:"license"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	S3        S3Config        `mapstructure:"s3"`
}

type ServerConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"`
	RateLimit     int           `mapstructure:"rate_limit"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type GitHubConfig struct {
	Token      string `mapstructure:"token"`
	Owner      string `mapstructure:"owner"`
	OwnerIsOrg bool   `mapstructure:"owner_is_org"`
	Branch     string `mapstructure:"branch"`
	BaseURL    string `mapstructure:"base_url"`
}

type LicenseConfig struct {
	Holder string `mapstructure:"holder"`
}

// GeneratorConfig selects and configures the code-generation backend.
type GeneratorConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts int           `mapstructure:"attempts"`
}

type PipelineConfig struct {
	Workers         int           `mapstructure:"workers"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PublishAttempts int           `mapstructure:"publish_attempts"`
}

type ReadinessConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

type NotifyConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RetryConfig holds the shared backoff parameters applied to every outbound call.
type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	JitterPercent uint64        `mapstructure:"jitter_percent"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Load reads configuration from defaults, an optional .env file, ./configs/config.yaml
// and PAGESMITH_* environment variables, in increasing order of precedence.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("PAGESMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Names used by existing deployments and by the GitHub/OpenAI tooling.
	_ = v.BindEnv("secret", "PAGESMITH_SECRET", "MY_SECRET")
	_ = v.BindEnv("github.token", "PAGESMITH_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("github.owner", "PAGESMITH_GITHUB_OWNER", "GITHUB_OWNER")
	_ = v.BindEnv("generator.api_key", "PAGESMITH_GENERATOR_API_KEY", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.License.Holder == "" {
		cfg.License.Holder = cfg.GitHub.Owner
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.shutdown_grace", 30*time.Second)

	v.SetDefault("secret", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.owner_is_org", false)
	v.SetDefault("github.branch", "main")
	v.SetDefault("github.base_url", "")
	v.SetDefault("license.holder", "")

	v.SetDefault("generator.provider", "openai")
	v.SetDefault("generator.base_url", "https://api.openai.com/v1")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.model", "gpt-4o-mini")
	v.SetDefault("generator.timeout", 120*time.Second)
	v.SetDefault("generator.attempts", 3)

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.timeout", 20*time.Minute)
	v.SetDefault("pipeline.publish_attempts", 2)

	v.SetDefault("readiness.timeout", 5*time.Minute)
	v.SetDefault("readiness.interval", 10*time.Second)

	v.SetDefault("notify.attempts", 5)
	v.SetDefault("notify.timeout", 15*time.Second)

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter_percent", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("database.url", "")
	v.SetDefault("nats.url", "")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Secret) == "" {
		errs = append(errs, errors.New("secret is required"))
	}
	if strings.TrimSpace(c.GitHub.Token) == "" {
		errs = append(errs, errors.New("github.token is required"))
	}
	if strings.TrimSpace(c.GitHub.Owner) == "" {
		errs = append(errs, errors.New("github.owner is required"))
	}
	switch c.Generator.Provider {
	case "openai":
		if strings.TrimSpace(c.Generator.APIKey) == "" {
			errs = append(errs, errors.New("generator.api_key is required for the openai provider"))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown generator.provider %q", c.Generator.Provider))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	return errors.Join(errs...)
}
