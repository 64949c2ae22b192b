// Package config loads the runtime configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearthd/hearth/internal/llm"
)

// Duration wraps time.Duration for YAML decoding of values like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ModelConfig configures one model endpoint.
type ModelConfig struct {
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url,omitempty"`
	APIKey    string   `yaml:"api_key,omitempty"`
	MaxTokens int      `yaml:"max_tokens"`
	Rate      llm.Rate `yaml:"rate"`
}

// SearchConfig configures the web search collaborator.
type SearchConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
	Count  int    `yaml:"count"`
}

// CorpusConfig configures the knowledge corpus.
type CorpusConfig struct {
	Root            string   `yaml:"root"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// SnapshotConfig selects the session snapshot backend.
type SnapshotConfig struct {
	Backend   string `yaml:"backend"` // "file" or "redis"
	Path      string `yaml:"path,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

// SessionConfig configures session lifecycle.
type SessionConfig struct {
	MaxTurns         int            `yaml:"max_turns"`
	IdleTimeout      Duration       `yaml:"idle_timeout"`
	ConfirmWindow    Duration       `yaml:"confirm_window"`
	MinCompressTurns int            `yaml:"min_compress_turns"`
	Snapshot         SnapshotConfig `yaml:"snapshot"`
}

// RetrievalConfig configures the retrieval pipeline caps.
type RetrievalConfig struct {
	MaxCandidates    int `yaml:"max_candidates"`
	ExtractCharLimit int `yaml:"extract_char_limit"`
}

// AdmissionConfig configures the per-user sliding-window rate limit.
type AdmissionConfig struct {
	Window      Duration `yaml:"window"`
	MaxMessages int      `yaml:"max_messages"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr     string          `yaml:"listen_addr"`
	Primary        ModelConfig     `yaml:"primary"`
	Auxiliary      ModelConfig     `yaml:"auxiliary"`
	Search         SearchConfig    `yaml:"search"`
	Corpus         CorpusConfig    `yaml:"corpus"`
	PersonaPath    string          `yaml:"persona_path"`
	CompressorPath string          `yaml:"compressor_path"`
	Session        SessionConfig   `yaml:"session"`
	Retrieval      RetrievalConfig `yaml:"retrieval"`
	Admission      AdmissionConfig `yaml:"admission"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Primary: ModelConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
			Rate:      llm.DefaultPrimaryRate(),
		},
		Auxiliary: ModelConfig{
			Model:     "deepseek-chat",
			BaseURL:   "https://api.deepseek.com",
			MaxTokens: 1024,
			Rate:      llm.DefaultAuxiliaryRate(),
		},
		Search: SearchConfig{Count: 5},
		Corpus: CorpusConfig{
			Root:            "library",
			RefreshInterval: Duration(30 * time.Second),
		},
		PersonaPath:    "SOUL.md",
		CompressorPath: "COMPRESSOR_PROMPT.md",
		Session: SessionConfig{
			MaxTurns:         20,
			IdleTimeout:      Duration(30 * time.Minute),
			ConfirmWindow:    Duration(5 * time.Minute),
			MinCompressTurns: 3,
			Snapshot: SnapshotConfig{
				Backend: "file",
				Path:    "sessions.json",
			},
		},
		Retrieval: RetrievalConfig{
			MaxCandidates:    5,
			ExtractCharLimit: 150,
		},
		Admission: AdmissionConfig{
			Window:      Duration(time.Minute),
			MaxMessages: 10,
		},
	}
}

// Load reads path (optional; "" keeps defaults), then applies env overrides:
// ANTHROPIC_API_KEY, DEEPSEEK_API_KEY, BRAVE_API_KEY.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Primary.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.Auxiliary.APIKey = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("config: session.max_turns must be positive")
	}
	if c.Session.ConfirmWindow.Std() >= c.Session.IdleTimeout.Std() {
		return fmt.Errorf("config: session.confirm_window must be shorter than idle_timeout")
	}
	if c.Retrieval.MaxCandidates <= 0 || c.Retrieval.ExtractCharLimit <= 0 {
		return fmt.Errorf("config: retrieval caps must be positive")
	}
	switch c.Session.Snapshot.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Session.Snapshot.Backend)
	}
	return nil
}
