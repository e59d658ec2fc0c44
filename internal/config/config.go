package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"innervoice/internal/domain"
)

const FileName = "innervoice.yml"

// Config models innervoice.yml.
type Config struct {
	Narration struct {
		FlushDelay string `yaml:"flush_delay" json:"flush_delay"`
		Seed       uint64 `yaml:"seed" json:"seed"`
	} `yaml:"narration" json:"narration"`
	Economy struct {
		Difficulties map[string]string `yaml:"difficulties" json:"difficulties"`
	} `yaml:"economy" json:"economy"`
	Quotes map[string][]string `yaml:"quotes,omitempty" json:"quotes,omitempty"`
	Voice  struct {
		Backend         string  `yaml:"backend" json:"backend"`
		Model           string  `yaml:"model" json:"model"`
		Temperature     float32 `yaml:"temperature" json:"temperature"`
		MaxOutputTokens int32   `yaml:"max_output_tokens" json:"max_output_tokens"`
		APIKeyEnv       string  `yaml:"api_key_env" json:"api_key_env"`
	} `yaml:"voice" json:"voice"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
}

const (
	VoiceOffline = "offline"
	VoiceGemini  = "gemini"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with iv config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Narration.FlushDelay != "" {
		d, err := time.ParseDuration(c.Narration.FlushDelay)
		if err != nil {
			return fmt.Errorf("narration.flush_delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("narration.flush_delay must not be negative")
		}
	}
	if _, err := c.DifficultyValues(); err != nil {
		return err
	}
	if _, err := c.ExtraQuotes(); err != nil {
		return err
	}
	switch c.Voice.Backend {
	case "", VoiceOffline, VoiceGemini:
	default:
		return fmt.Errorf("voice.backend must be %q or %q", VoiceOffline, VoiceGemini)
	}
	if c.Voice.Temperature < 0 || c.Voice.Temperature > 2 {
		return fmt.Errorf("voice.temperature must be within [0,2]")
	}
	if c.Voice.MaxOutputTokens < 0 {
		return fmt.Errorf("voice.max_output_tokens must not be negative")
	}
	return nil
}

// FlushDelay is how long to wait after leaving focus before deferred
// narration is flushed.
func (c *Config) FlushDelay() time.Duration {
	d, err := time.ParseDuration(c.Narration.FlushDelay)
	if err != nil || d < 0 {
		return 300 * time.Millisecond
	}
	return d
}

// DifficultyValues returns the reward table with configured overrides applied.
func (c *Config) DifficultyValues() (map[domain.Difficulty]domain.Money, error) {
	values := domain.DefaultDifficultyValues()
	for name, amount := range c.Economy.Difficulties {
		d, err := domain.ParseDifficulty(name)
		if err != nil {
			return nil, fmt.Errorf("economy.difficulties: %w", err)
		}
		m, err := domain.ParseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("economy.difficulties.%s: %w", name, err)
		}
		if m <= 0 {
			return nil, fmt.Errorf("economy.difficulties.%s must be positive", name)
		}
		values[d] = m
	}
	return values, nil
}

// ExtraQuotes returns the configured fallback lines keyed by persona.
func (c *Config) ExtraQuotes() (map[domain.Persona][]string, error) {
	out := make(map[domain.Persona][]string, len(c.Quotes))
	for name, lines := range c.Quotes {
		p, err := domain.ParsePersona(name)
		if err != nil {
			return nil, fmt.Errorf("quotes: %w", err)
		}
		for i, l := range lines {
			if l == "" {
				return nil, fmt.Errorf("quotes.%s[%d] is empty", name, i)
			}
		}
		out[p] = append(out[p], lines...)
	}
	return out, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `narration:
  # Pause between leaving a focus view and showing deferred narration.
  flush_delay: 300ms
  # 0 picks fallback lines at random; any other value makes picks repeatable.
  seed: 0

economy:
  difficulties:
    Trivial: "5.00"
    Easy: "10.00"
    Medium: "25.00"
    Hard: "50.00"
    Impossible: "100.00"

voice:
  backend: offline
  model: gemini-2.5-flash
  temperature: 0.9
  max_output_tokens: 60
  api_key_env: GEMINI_API_KEY

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
