package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources       Sources       `yaml:"sources"`
	Retry         Retry         `yaml:"retry"`
	Quota         Quota         `yaml:"quota"`
	Enrichment    Enrichment    `yaml:"enrichment"`
	Content       Content       `yaml:"content"`
	Summarization Summarization `yaml:"summarization"`
	Output        Output        `yaml:"output"`
	Schedule      Schedule      `yaml:"schedule"`
	Logging       Logging       `yaml:"logging"`
}

type Sources struct {
	Parallel    bool        `yaml:"parallel"`
	Workers     int         `yaml:"workers"`
	GitHub      GitHub      `yaml:"github"`
	HuggingFace HuggingFace `yaml:"huggingface"`
	Arxiv       Arxiv       `yaml:"arxiv"`
}

type GitHub struct {
	Enabled     bool     `yaml:"enabled"`
	BaseURL     string   `yaml:"base_url"`
	TokenEnv    string   `yaml:"token_env"`
	Keywords    []string `yaml:"keywords"`
	Language    string   `yaml:"language"`
	MinStars    int      `yaml:"min_stars"`
	DaysBack    int      `yaml:"days_back"`
	Limit       int      `yaml:"limit"`
	FetchReadme bool     `yaml:"fetch_readme"`
	// RateLimitThreshold guards the core API (READMEs); the search API has its own,
	// much smaller budget.
	RateLimitThreshold       int `yaml:"rate_limit_threshold"`
	SearchRateLimitThreshold int `yaml:"search_rate_limit_threshold"`
}

type HuggingFace struct {
	Enabled   bool     `yaml:"enabled"`
	BaseURL   string   `yaml:"base_url"`
	TokenEnv  string   `yaml:"token_env"`
	Sorts     []string `yaml:"sorts"`
	Limit     int      `yaml:"limit"`
	FetchCard bool     `yaml:"fetch_card"`
}

type Arxiv struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	Categories   []string      `yaml:"categories"`
	Limit        int           `yaml:"limit"`
	RequestDelay time.Duration `yaml:"request_delay"`
}

type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxJitter      time.Duration `yaml:"max_jitter"`
}

type Quota struct {
	Margin           time.Duration `yaml:"margin"`
	MaxWait          time.Duration `yaml:"max_wait"`
	ExhaustedSuspend time.Duration `yaml:"exhausted_suspend"`
}

type Enrichment struct {
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchDelay   time.Duration `yaml:"batch_delay"`
	HoursBack    int           `yaml:"hours_back"`
	Recategorize bool          `yaml:"recategorize"`
}

type Content struct {
	Backfill bool          `yaml:"backfill"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxChars int           `yaml:"max_chars"`
}

type Summarization struct {
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	OllamaURL       string `yaml:"ollama_url"`
	OpenAIModel     string `yaml:"openai_model"`
	APIKeyEnv       string `yaml:"api_key_env"`
	GeminiModel     string `yaml:"gemini_model"`
	GeminiURL       string `yaml:"gemini_url"`
	GeminiAPIKeyEnv string `yaml:"gemini_api_key_env"`
	MaxTokens       int    `yaml:"max_tokens"`
	Sentences       int    `yaml:"sentences"`
	MaxChars        int    `yaml:"max_chars"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Schedule struct {
	Cron string `yaml:"cron"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for airadar.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "airadar")
}

// DataDir returns the XDG data directory for airadar.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "airadar")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/airadar/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'airadar init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Sources: Sources{
			Workers: 3,
			GitHub: GitHub{
				Enabled:                  true,
				BaseURL:                  "https://api.github.com",
				TokenEnv:                 "GITHUB_TOKEN",
				Keywords:                 []string{"machine learning", "llm", "ai agent"},
				DaysBack:                 7,
				MinStars:                 10,
				Limit:                    10,
				RateLimitThreshold:       10,
				SearchRateLimitThreshold: 2,
			},
			HuggingFace: HuggingFace{
				Enabled:  true,
				BaseURL:  "https://huggingface.co",
				TokenEnv: "HF_TOKEN",
				Sorts:    []string{"lastModified", "downloads"},
				Limit:    10,
			},
			Arxiv: Arxiv{
				Enabled:      true,
				BaseURL:      "https://export.arxiv.org/api/query",
				Categories:   []string{"cs.AI", "cs.LG", "cs.CL"},
				Limit:        5,
				RequestDelay: 3 * time.Second,
			},
		},
		Retry: Retry{
			MaxAttempts:    5,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     60 * time.Second,
			MaxJitter:      time.Second,
		},
		Quota: Quota{
			Margin:           60 * time.Second,
			MaxWait:          time.Hour,
			ExhaustedSuspend: time.Hour,
		},
		Enrichment: Enrichment{
			Enabled:      true,
			BatchSize:    10,
			BatchDelay:   30 * time.Second,
			HoursBack:    24,
			Recategorize: true,
		},
		Content: Content{
			Backfill: true,
			Timeout:  15 * time.Second,
			MaxChars: 8000,
		},
		Summarization: Summarization{
			Provider:        "ollama",
			Model:           "qwen2.5:7b",
			OllamaURL:       "http://localhost:11434",
			OpenAIModel:     "gpt-4o-mini",
			APIKeyEnv:       "OPENAI_API_KEY",
			GeminiModel:     "gemini-2.0-flash",
			GeminiURL:       "https://generativelanguage.googleapis.com/v1beta/openai/",
			GeminiAPIKeyEnv: "GEMINI_API_KEY",
			MaxTokens:       512,
			Sentences:       3,
			MaxChars:        250,
		},
		Schedule: Schedule{Cron: "0 */6 * * *"},
		Logging:  Logging{Level: "INFO"},
	}
}

func (c *Config) validate() error {
	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("enrichment.batch_size must be positive, got %d", c.Enrichment.BatchSize)
	}
	if c.Enrichment.HoursBack <= 0 {
		return fmt.Errorf("enrichment.hours_back must be positive, got %d", c.Enrichment.HoursBack)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry.max_backoff (%s) is below retry.initial_backoff (%s)",
			c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Summarization.MaxChars <= 0 || c.Summarization.Sentences <= 0 {
		return fmt.Errorf("summarization.sentences and summarization.max_chars must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite file inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "airadar.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
