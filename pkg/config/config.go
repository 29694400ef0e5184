package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	LLM        LLMConfig        `mapstructure:"llm"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Bedrock    BedrockConfig    `mapstructure:"bedrock"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

// RedisConfig enables cross-process contact locks when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type ClassifierConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Provider         string `mapstructure:"provider"`
	FallbackProvider string `mapstructure:"fallback_provider"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type BedrockConfig struct {
	Region  string `mapstructure:"region"`
	ModelID string `mapstructure:"model_id"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

const (
	StrategyKeyword = "keyword"
	StrategyModel   = "model"

	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderBedrock = "bedrock"
)

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads defaults, then the optional YAML file at path, then
// the environment. Nested keys map to env vars with dots replaced by
// underscores, e.g. CLASSIFIER_STRATEGY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "triage")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "triage.db")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)
	v.SetDefault("classifier.strategy", StrategyKeyword)
	v.SetDefault("classifier.timeout", 5*time.Second)
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.fallback_provider", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("bedrock.region", "us-east-1")
	v.SetDefault("bedrock.model_id", "")
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if config.Database.UseInMemory {
		config.Database.Driver = "memory"
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		u, err := url.Parse(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		config.Redis.Addr = u.Host
		if password, ok := u.User.Password(); ok {
			config.Redis.Password = password
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "postgres", "sqlite3":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite3" && inMemorySQLite(c.Database.SQLitePath) {
		return fmt.Errorf("config: database.sqlite_path %q must name a file", c.Database.SQLitePath)
	}

	switch c.Classifier.Strategy {
	case StrategyKeyword:
		return nil
	case StrategyModel:
	default:
		return fmt.Errorf("config: unknown classifier.strategy %q", c.Classifier.Strategy)
	}

	if err := c.validateProvider(c.LLM.Provider); err != nil {
		return err
	}
	if c.LLM.FallbackProvider != "" {
		if c.LLM.FallbackProvider == c.LLM.Provider {
			return errors.New("config: llm.fallback_provider must differ from llm.provider")
		}
		if err := c.validateProvider(c.LLM.FallbackProvider); err != nil {
			return err
		}
	}
	return nil
}

// inMemorySQLite matches paths SQLite opens as a per-connection database.
func inMemorySQLite(path string) bool {
	p := strings.TrimSpace(path)
	return p == "" || strings.Contains(p, ":memory:") || strings.Contains(p, "mode=memory")
}

func (c *Config) validateProvider(name string) error {
	switch name {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("config: openai.api_key is required for the openai provider")
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			return errors.New("config: gemini.api_key is required for the gemini provider")
		}
	case ProviderBedrock:
		if c.Bedrock.ModelID == "" {
			return errors.New("config: bedrock.model_id is required for the bedrock provider")
		}
	default:
		return fmt.Errorf("config: unknown llm provider %q", name)
	}
	return nil
}
