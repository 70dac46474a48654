package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

type Server struct {
	Port              string        `yaml:"port" env:"PORT" env-default:"10000"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" env-default:"5s"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	LivenessMessage   string        `yaml:"liveness_message" env:"LIVENESS_MESSAGE"`
	CORSAllowOrigin   string        `yaml:"cors_allow_origin" env:"CORS_ALLOW_ORIGIN" env-default:"*"`
	LogLevel          string        `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
}

type OpenAI struct {
	APIKey          string        `env:"OPENAI_API_KEY"`
	APIKeyParameter string        `yaml:"api_key_parameter" env:"OPENAI_API_KEY_PARAMETER"`
	BaseURL         string        `yaml:"base_url" env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	Model           string        `yaml:"model" env:"OPENAI_MODEL" env-default:"gpt-4.1-mini"`
	VectorStoreID   string        `yaml:"vector_store_id" env:"CARAMELO_VECTOR_STORE_ID"`
	Timeout         time.Duration `yaml:"timeout" env:"OPENAI_TIMEOUT" env-default:"60s"`
	LogPayloads     bool          `yaml:"log_payloads" env:"OPENAI_LOG_PAYLOADS" env-default:"false"`
}

type Chat struct {
	Persona          string `yaml:"persona" env:"CARAMELO_PERSONA"`
	FallbackReply    string `yaml:"fallback_reply" env:"CARAMELO_FALLBACK_REPLY"`
	MaxMessageLength int    `yaml:"max_message_length" env:"CHAT_MAX_MESSAGE_LENGTH" env-default:"4000"`
	MaxHistoryTurns  int    `yaml:"max_history_turns" env:"CHAT_MAX_HISTORY_TURNS" env-default:"20"`
	// MaxPromptTokens enables token-budget trimming of history when > 0.
	MaxPromptTokens int `yaml:"max_prompt_tokens" env:"CHAT_MAX_PROMPT_TOKENS" env-default:"0"`
}

type RateLimit struct {
	Requests int           `yaml:"requests" env:"CHAT_RATE_LIMIT" env-default:"30"`
	Window   time.Duration `yaml:"window" env:"CHAT_RATE_WINDOW" env-default:"1m"`
}

type Storage struct {
	Backend        string        `yaml:"backend" env:"ENTITLEMENT_BACKEND" env-default:"memory"`
	Seed           []string      `yaml:"seed" env:"ENTITLEMENT_SEED" env-separator:"," env-default:"teste@teste.com"`
	Table          string        `yaml:"table" env:"ENTITLEMENT_TABLE"`
	RedisAddr      string        `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string        `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX" env-default:"caramelo:"`
	EventTTL       time.Duration `yaml:"event_ttl" env:"WEBHOOK_EVENT_TTL" env-default:"72h"`
}

// Hotmart holds the webhook shared secret. Without it no delivery is trusted.
type Hotmart struct {
	Hottok string `env:"HOTMART_HOTTOK"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	OpenAI    OpenAI    `yaml:"openai"`
	Chat      Chat      `yaml:"chat"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Storage   Storage   `yaml:"storage"`
	Hotmart   Hotmart   `yaml:"hotmart"`
}

// Load reads an optional .env file, then the YAML file at cfgPath (if any),
// then the environment. Environment values win over the file.
func Load(cfgPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if strings.TrimSpace(cfgPath) != "" {
		if err := cleanenv.ReadConfig(cfgPath, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfgPath, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Chat.Persona) == "" {
		c.Chat.Persona = DefaultPersona
	}
	if strings.TrimSpace(c.Chat.FallbackReply) == "" {
		c.Chat.FallbackReply = DefaultFallbackReply
	}
	if strings.TrimSpace(c.Server.LivenessMessage) == "" {
		c.Server.LivenessMessage = DefaultLivenessMessage
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendDynamoDB:
		if strings.TrimSpace(c.Storage.Table) == "" {
			return errors.New("config: ENTITLEMENT_TABLE is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("config: unknown entitlement backend %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.OpenAI.Model) == "" {
		return errors.New("config: model must not be empty")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return errors.New("config: max message length must be positive")
	}
	return nil
}

// UsesAWS reports whether any configured component needs an AWS SDK config.
func (c *Config) UsesAWS() bool {
	return c.Storage.Backend == BackendDynamoDB || strings.TrimSpace(c.OpenAI.APIKeyParameter) != ""
}
