package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendLangChain = "langchain"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	// DefaultPath is the config file looked up when none is given
	DefaultPath = "botify.toml"

	envPrefix = "BOTIFY_"
)

// ErrMissingCredential means the selected backend needs an API key and none is set.
// Chat is disabled for the process but the rest of the app keeps working.
var ErrMissingCredential = errors.New("chat API key is not configured")

// Config holds application configuration
type Config struct {
	Debug     bool            `koanf:"debug"`
	Server    ServerConfig    `koanf:"server"`
	Chat      ChatConfig      `koanf:"chat"`
	Prompt    PromptConfig    `koanf:"prompt"`
	Document  DocumentConfig  `koanf:"document"`
	Store     StoreConfig     `koanf:"store"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// ChatConfig selects the chat backend and the per-call generation parameters
type ChatConfig struct {
	Backend        string        `koanf:"backend"`
	BaseURL        string        `koanf:"base_url"`
	Model          string        `koanf:"model"`
	APIKey         string        `koanf:"api_key"`
	Temperature    float64       `koanf:"temperature"`
	TopP           float64       `koanf:"top_p"`
	MaxTokens      int           `koanf:"max_tokens"`
	Timeout        time.Duration `koanf:"timeout"`
	PersistContext bool          `koanf:"persist_context"`
}

type PromptConfig struct {
	MaxChars int    `koanf:"max_chars"`
	Persona  string `koanf:"persona"`
}

type DocumentConfig struct {
	CacheSize   int `koanf:"cache_size"`
	MaxUploadMB int `koanf:"max_upload_mb"`
}

// MaxUploadBytes converts the upload limit to bytes
func (d DocumentConfig) MaxUploadBytes() int64 {
	return int64(d.MaxUploadMB) * 1024 * 1024
}

// StoreConfig selects where sessions live. MaxSessions and SessionTTL bound the
// memory driver.
type StoreConfig struct {
	Driver      string        `koanf:"driver"`
	DSN         string        `koanf:"dsn"`
	MaxSessions int           `koanf:"max_sessions"`
	SessionTTL  time.Duration `koanf:"session_ttl"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Dir    string `koanf:"dir"`
	Stdout bool   `koanf:"stdout"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"debug":                  false,
		"server.addr":            ":8501",
		"chat.backend":           BackendOpenAI,
		"chat.base_url":          "https://api.sambanova.ai/v1",
		"chat.model":             "Qwen2.5-72B-Instruct",
		"chat.api_key":           "",
		"chat.temperature":       0.1,
		"chat.top_p":             0.1,
		"chat.max_tokens":        300,
		"chat.timeout":           "60s",
		"chat.persist_context":   true,
		"prompt.max_chars":       500,
		"prompt.persona":         "You are a helpful assistant named Botify.",
		"document.cache_size":    32,
		"document.max_upload_mb": 20,
		"store.driver":           StoreMemory,
		"store.dsn":              "botify.db",
		"store.max_sessions":     10000,
		"store.session_ttl":      "24h",
		"log.level":              "info",
		"log.dir":                "logs",
		"log.stdout":             true,
		"telemetry.enabled":      true,
	}
}

// Load builds the configuration from defaults, then the TOML file at path,
// then BOTIFY_* environment variables. A .env file in the working directory is
// loaded into the environment first. A missing file is only an error when the
// path was chosen explicitly.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env: %w", err)
		}
	}

	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("error loading config: %w", err)
			}
		case path != DefaultPath:
			return nil, fmt.Errorf("error loading config: %w", statErr)
		}
	}

	// BOTIFY_CHAT_API_KEY -> chat.api_key
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if config.Chat.APIKey == "" {
		config.Chat.APIKey = os.Getenv("SAMBANOVA_API_KEY")
	}

	return &config, nil
}

// Validate checks the configuration. It returns ErrMissingCredential (possibly
// wrapped) when only the credential is missing, so callers can start with chat
// disabled instead of exiting.
func Validate(config *Config) error {
	switch config.Chat.Backend {
	case BackendOpenAI, BackendOllama, BackendLangChain:
	default:
		return fmt.Errorf("unknown chat backend: %s", config.Chat.Backend)
	}

	switch config.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if config.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %s", config.Store.Driver)
	}

	if config.Prompt.MaxChars < 0 {
		return fmt.Errorf("prompt max_chars must not be negative")
	}
	if config.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat max_tokens must be positive")
	}
	if config.Document.CacheSize <= 0 {
		return fmt.Errorf("document cache_size must be positive")
	}

	if config.Chat.Backend != BackendOllama && config.Chat.APIKey == "" {
		return fmt.Errorf("%w for backend %s", ErrMissingCredential, config.Chat.Backend)
	}

	return nil
}

// InitConfig writes a sample configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# Botify Configuration

debug = false

[server]
addr = ":8501"

[chat]
backend = "openai"          # openai | ollama | langchain
base_url = "https://api.sambanova.ai/v1"
model = "Qwen2.5-72B-Instruct"
# api_key is better supplied as BOTIFY_CHAT_API_KEY or SAMBANOVA_API_KEY
temperature = 0.1
top_p = 0.1
max_tokens = 300
timeout = "60s"
persist_context = true      # false keeps document context out of the saved transcript

[prompt]
max_chars = 500
persona = "You are a helpful assistant named Botify."

[document]
cache_size = 32
max_upload_mb = 20

[store]
driver = "memory"           # memory | sqlite
dsn = "botify.db"
max_sessions = 10000        # memory driver only; 0 means unlimited
session_ttl = "24h"         # idle sessions are dropped after this

[log]
level = "info"
dir = "logs"
stdout = true

[telemetry]
enabled = true
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}
