package nbi

import (
	"encoding/json"
	"os"
	"path/filepath"

	defaults "github.com/datalayer-externals/notebook-intelligence/default"
)

// Config represents the user's notebook intelligence configuration.
type Config struct {
	Version   int             `json:"version"`
	Backend   BackendConfig   `json:"backend"`
	Auth      AuthConfig      `json:"auth"`
	Embedding EmbeddingConfig `json:"embedding"`
}

// BackendConfig holds settings for the assistance backend.
type BackendConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	// Language is the language tag sent with completion requests. One value
	// per supported document type; "python" for notebooks.
	Language string `json:"language"`
	// CacheTTLSeconds bounds how long identical completion contexts are
	// served from cache without a backend round trip.
	CacheTTLSeconds int `json:"cache_ttl_seconds,omitempty"`
}

// AuthConfig holds settings for the login status polling loop.
type AuthConfig struct {
	// PollSeconds is the fixed status check interval. No backoff, no jitter.
	PollSeconds int `json:"poll_seconds,omitempty"`
}

// EmbeddingConfig holds settings for the cell embedding API.
type EmbeddingConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
	MaxCells   int    `json:"max_cells,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $NBI_CONFIG_DIR > $XDG_CONFIG_HOME/nbi > ~/.config/nbi
func ConfigDir() string {
	if dir := os.Getenv("NBI_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "nbi")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "nbi-config")
	}
	return filepath.Join(home, ".config", "nbi")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// PromptPath returns the custom chat prompt template path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "chat_prompt.md")
}

// DefaultConfig returns the default configuration from the embedded
// default_config.json.
func DefaultConfig() *Config {
	var cfg Config
	if err := json.Unmarshal(defaults.DefaultConfigJSON, &cfg); err != nil {
		panic("nbi: invalid embedded default_config.json: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	path := ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaults.Backend.BaseURL
	}
	if cfg.Backend.Language == "" {
		cfg.Backend.Language = defaults.Backend.Language
	}
	if cfg.Backend.CacheTTLSeconds == 0 {
		cfg.Backend.CacheTTLSeconds = defaults.Backend.CacheTTLSeconds
	}
	if cfg.Auth.PollSeconds == 0 {
		cfg.Auth.PollSeconds = defaults.Auth.PollSeconds
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Embedding.Model
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = defaults.Embedding.Dimensions
	}
	if cfg.Embedding.TTLMinutes == 0 {
		cfg.Embedding.TTLMinutes = defaults.Embedding.TTLMinutes
	}
	if cfg.Embedding.MaxCells == 0 {
		cfg.Embedding.MaxCells = defaults.Embedding.MaxCells
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	if ResolveBackendBaseURL(cfg) == "" {
		warnings = append(warnings, "backend base_url is not configured; completions and chat will be unavailable")
	}
	if cfg.Embedding.BaseURL != "" && ResolveEmbeddingAPIKey(cfg) == "" {
		warnings = append(warnings, "embedding base_url is set but api_key is empty; related-cell context will be unavailable")
	}
	if cfg.Auth.PollSeconds < 0 {
		warnings = append(warnings, "auth poll_seconds is negative; the default interval will be used")
	}
	return warnings
}

// ResolveBackendBaseURL returns the backend base URL.
// Priority: $NBI_BACKEND_BASE_URL env > config value.
func ResolveBackendBaseURL(cfg *Config) string {
	if url := os.Getenv("NBI_BACKEND_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Backend.BaseURL
	}
	return ""
}

// ResolveBackendAPIKey returns the backend API key.
// Priority: $NBI_BACKEND_API_KEY env > config value.
func ResolveBackendAPIKey(cfg *Config) string {
	if key := os.Getenv("NBI_BACKEND_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Backend.APIKey
	}
	return ""
}

// ResolveLanguage returns the completion language tag.
// Priority: $NBI_LANGUAGE env > config value.
func ResolveLanguage(cfg *Config) string {
	if lang := os.Getenv("NBI_LANGUAGE"); lang != "" {
		return lang
	}
	if cfg != nil {
		return cfg.Backend.Language
	}
	return ""
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $NBI_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("NBI_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $NBI_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("NBI_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Embedding.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $NBI_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("NBI_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Embedding.Model
	}
	return ""
}

// EmbeddingEnabled returns true when both base_url and api_key are configured
// for embedding.
func EmbeddingEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return ResolveEmbeddingBaseURL(cfg) != "" && ResolveEmbeddingAPIKey(cfg) != ""
}
