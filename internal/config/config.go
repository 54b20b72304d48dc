package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/flitsinc/otomanus/internal/agent"
	"github.com/flitsinc/otomanus/internal/logging"
)

const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"

	envPrefix = "OTOMANUS_"
)

type Config struct {
	HTTPAddr    string
	CORSOrigins []string
	WebDir      string

	DataDir      string
	StoreBackend string
	DBPath       string
	SessionsDir  string

	RetentionDays   int
	CleanupInterval time.Duration

	AgentProvider string
	AgentModel    string
	AgentAPIKey   string
	AgentBaseURL  string
	SystemPrompt  string
	MaxTokens     int64

	LogLevel  string
	LogPretty bool
}

// fileConfig is the on-disk JSONC shape. Zero values leave the current
// setting alone.
type fileConfig struct {
	HTTPAddr        string   `json:"http_addr"`
	CORSOrigins     []string `json:"cors_origins"`
	WebDir          string   `json:"web_dir"`
	DataDir         string   `json:"data_dir"`
	Store           string   `json:"store"`
	DBPath          string   `json:"db_path"`
	SessionsDir     string   `json:"sessions_dir"`
	RetentionDays   *int     `json:"retention_days"`
	CleanupInterval string   `json:"cleanup_interval"`
	Agent           struct {
		Provider     string `json:"provider"`
		Model        string `json:"model"`
		APIKey       string `json:"api_key"`
		BaseURL      string `json:"base_url"`
		SystemPrompt string `json:"system_prompt"`
		MaxTokens    int64  `json:"max_tokens"`
	} `json:"agent"`
	Log struct {
		Level  string `json:"level"`
		Pretty *bool  `json:"pretty"`
	} `json:"log"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		CORSOrigins:     []string{"*"},
		DataDir:         "data",
		StoreBackend:    StoreSQLite,
		RetentionDays:   30,
		CleanupInterval: time.Hour,
		AgentProvider:   agent.ProviderEcho,
		MaxTokens:       4096,
		LogLevel:        "info",
	}
}

// Load layers defaults, the optional JSONC file named by OTOMANUS_CONFIG,
// and OTOMANUS_* environment variables. A .env file in the working directory
// seeds the environment without overriding it.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults()
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warn().Str("path", path).Msg("config file not found, using defaults")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	data = interpolate(jsonc.ToJSON(data))
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc.apply(cfg)
}

var envRef = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate expands {env:NAME} placeholders so secrets can stay out of the
// file.
func interpolate(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRef.FindSubmatch(match)[1]
		raw, _ := json.Marshal(os.Getenv(string(name)))
		return raw[1 : len(raw)-1]
	})
}

func (fc fileConfig) apply(cfg *Config) error {
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	if len(fc.CORSOrigins) > 0 {
		cfg.CORSOrigins = fc.CORSOrigins
	}
	setString(&cfg.WebDir, fc.WebDir)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.StoreBackend, fc.Store)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.SessionsDir, fc.SessionsDir)
	if fc.RetentionDays != nil {
		cfg.RetentionDays = *fc.RetentionDays
	}
	if fc.CleanupInterval != "" {
		d, err := time.ParseDuration(fc.CleanupInterval)
		if err != nil {
			return fmt.Errorf("cleanup_interval: %w", err)
		}
		cfg.CleanupInterval = d
	}
	setString(&cfg.AgentProvider, fc.Agent.Provider)
	setString(&cfg.AgentModel, fc.Agent.Model)
	setString(&cfg.AgentAPIKey, fc.Agent.APIKey)
	setString(&cfg.AgentBaseURL, fc.Agent.BaseURL)
	setString(&cfg.SystemPrompt, fc.Agent.SystemPrompt)
	if fc.Agent.MaxTokens > 0 {
		cfg.MaxTokens = fc.Agent.MaxTokens
	}
	setString(&cfg.LogLevel, fc.Log.Level)
	if fc.Log.Pretty != nil {
		cfg.LogPretty = *fc.Log.Pretty
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, getEnv("HTTP_ADDR"))
	if v := getEnv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitComma(v)
	}
	setString(&cfg.WebDir, getEnv("WEB_DIR"))
	setString(&cfg.DataDir, getEnv("DATA_DIR"))
	setString(&cfg.StoreBackend, getEnv("STORE"))
	setString(&cfg.DBPath, getEnv("DB_PATH"))
	setString(&cfg.SessionsDir, getEnv("SESSIONS_DIR"))
	if v := getEnv("RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETENTION_DAYS: %w", envPrefix, err)
		}
		cfg.RetentionDays = n
	}
	if v := getEnv("CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCLEANUP_INTERVAL: %w", envPrefix, err)
		}
		cfg.CleanupInterval = d
	}
	setString(&cfg.AgentProvider, getEnv("AGENT_PROVIDER"))
	setString(&cfg.AgentModel, getEnv("AGENT_MODEL"))
	setString(&cfg.AgentAPIKey, getEnv("AGENT_API_KEY"))
	setString(&cfg.AgentBaseURL, getEnv("AGENT_BASE_URL"))
	setString(&cfg.SystemPrompt, getEnv("SYSTEM_PROMPT"))
	if v := getEnv("MAX_TOKENS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_TOKENS: %w", envPrefix, err)
		}
		cfg.MaxTokens = n
	}
	setString(&cfg.LogLevel, getEnv("LOG_LEVEL"))
	if v := getEnv("LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_PRETTY: %w", envPrefix, err)
		}
		cfg.LogPretty = b
	}
	return nil
}

// Finalize fills paths derived from DataDir and picks up the provider's
// conventional API key variable when none was configured.
func (c *Config) Finalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.AgentProvider = strings.ToLower(strings.TrimSpace(c.AgentProvider))
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "otomanus.db")
	}
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(c.DataDir, "sessions")
	}
	if c.AgentAPIKey == "" {
		switch c.AgentProvider {
		case agent.ProviderAnthropic:
			c.AgentAPIKey = os.Getenv("ANTHROPIC_API_KEY")
		case agent.ProviderOpenAI:
			c.AgentAPIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreSQLite, StoreFile:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}

// Retention is zero when sweeping is disabled.
func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c Config) Agent() agent.Config {
	return agent.Config{
		Provider:     c.AgentProvider,
		Model:        c.AgentModel,
		APIKey:       c.AgentAPIKey,
		BaseURL:      c.AgentBaseURL,
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
	}
}

func (c Config) Logging() logging.Config {
	return logging.Config{Level: logging.ParseLevel(c.LogLevel), Pretty: c.LogPretty}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
