// Package config handles Casia configuration loading.
//
// Configuration lives in a single JSON document on disk. The active
// document is swapped atomically on reload, so concurrent readers
// always observe a complete, consistent snapshot.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// ConfigError reports an unreadable or malformed configuration
// document. It is fatal at boot.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.json, ~/.config/casia/config.json, /etc/casia/config.json.
func DefaultSearchPaths() []string {
	paths := []string{"config.json"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "casia", "config.json"))
	}

	paths = append(paths, "/etc/casia/config.json")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first path in DefaultSearchPaths that exists
// wins; if none exists the first search path is returned so Load can
// create it with defaults.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return DefaultSearchPaths()[0], nil
}

// ModelConfig defines the local LLM parameters.
type ModelConfig struct {
	Name          string  `json:"name"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	NumCtx        int     `json:"num_ctx"`
	MaxTokens     int     `json:"max_tokens"`
	LLMRetries    int     `json:"llm_retries"`
	LLMTimeoutSec int     `json:"llm_timeout"`
}

// MQTTConfig defines the broker connection and publish behavior.
type MQTTConfig struct {
	Broker            string `json:"broker"`
	Username          string `json:"username"`
	Password          string `json:"password"`
	DeviceName        string `json:"device_name"`
	PublishTimeoutSec int    `json:"publish_timeout"`
}

// ModulesConfig holds the per-subsystem enable flags.
type ModulesConfig struct {
	IoT      bool `json:"iot"`
	Music    bool `json:"music"`
	TTS      bool `json:"tts"`
	Routines bool `json:"routines"`
	Camera   bool `json:"camera"`
	Weather  bool `json:"weather"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `json:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `json:"port"`
}

// Config holds all Casia configuration.
type Config struct {
	AssistantName string        `json:"assistant_name"`
	Language      string        `json:"language"`
	Model         ModelConfig   `json:"model"`
	MemorySize    int           `json:"memory_size"`
	Timezone      string        `json:"timezone"`
	Debug         bool          `json:"debug"`
	LogLevel      string        `json:"log_level"`
	Modules       ModulesConfig `json:"modules"`
	Listen        ListenConfig  `json:"listen"`
	MQTT          MQTTConfig    `json:"mqtt"`
	OllamaURL     string        `json:"ollama_url"`
	TTSURL        string        `json:"tts_url"`
	TTSTimeoutSec int           `json:"tts_timeout"`
	DataDir       string        `json:"data_dir"`
	PromptFile    string        `json:"prompt_file"`
	JWTSecret     string        `json:"jwt_secret"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		AssistantName: "Casia",
		Language:      "es",
		Model: ModelConfig{
			Name:          "qwen3:4b",
			Temperature:   0.7,
			TopP:          0.9,
			TopK:          40,
			RepeatPenalty: 1.1,
			NumCtx:        4096,
			MaxTokens:     512,
			LLMRetries:    2,
			LLMTimeoutSec: 60,
		},
		MemorySize: 5,
		Timezone:   "UTC",
		Modules: ModulesConfig{
			IoT:      true,
			TTS:      true,
			Routines: true,
		},
		Listen: ListenConfig{Port: 8080},
		MQTT: MQTTConfig{
			Broker:            "mqtt://localhost:1883",
			DeviceName:        "casia",
			PublishTimeoutSec: 10,
		},
		OllamaURL:     "http://localhost:11434",
		TTSURL:        "http://localhost:5002",
		TTSTimeoutSec: 30,
		DataDir:       ".",
		PromptFile:    "prompt.yaml",
	}
}

// validate rejects documents that parsed but carry unusable values.
// Only structurally required keys are checked; everything else falls
// back to defaults.
func (c *Config) validate() error {
	if c.Model.Name == "" {
		return errors.New("model.name must not be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("model.temperature %v out of range [0,2]", c.Model.Temperature)
	}
	if c.MemorySize < 0 {
		return fmt.Errorf("memory_size %d must not be negative", c.MemorySize)
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	return nil
}

// applyDefaults fills zero values so a sparse document still produces
// a complete config.
func (c *Config) applyDefaults() {
	d := Default()
	if c.AssistantName == "" {
		c.AssistantName = d.AssistantName
	}
	if c.Language == "" {
		c.Language = d.Language
	}
	if c.Model.Name == "" {
		c.Model.Name = d.Model.Name
	}
	if c.Model.LLMRetries == 0 {
		c.Model.LLMRetries = d.Model.LLMRetries
	}
	if c.Model.LLMTimeoutSec == 0 {
		c.Model.LLMTimeoutSec = d.Model.LLMTimeoutSec
	}
	if c.Model.NumCtx == 0 {
		c.Model.NumCtx = d.Model.NumCtx
	}
	if c.MemorySize == 0 {
		c.MemorySize = d.MemorySize
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.MQTT.PublishTimeoutSec == 0 {
		c.MQTT.PublishTimeoutSec = d.MQTT.PublishTimeoutSec
	}
	if c.TTSTimeoutSec == 0 {
		c.TTSTimeoutSec = d.TTSTimeoutSec
	}
	if c.OllamaURL == "" {
		c.OllamaURL = d.OllamaURL
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.PromptFile == "" {
		c.PromptFile = d.PromptFile
	}
}

// LLMTimeout returns the per-attempt LLM timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.Model.LLMTimeoutSec) * time.Second
}

// PublishTimeout returns the MQTT publish timeout as a duration.
func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.MQTT.PublishTimeoutSec) * time.Second
}

// TTSTimeout returns the TTS HTTP timeout as a duration.
func (c *Config) TTSTimeout() time.Duration {
	return time.Duration(c.TTSTimeoutSec) * time.Second
}

// Location resolves the configured IANA timezone. Unknown or empty
// timezones fall back to UTC rather than failing the request path.
func (c *Config) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// Store owns the active configuration document and its on-disk path.
// Reload swaps the whole document in one atomic step.
type Store struct {
	path   string
	active atomic.Pointer[Config]
}

// Load reads the configuration document at path. A missing file is
// recovered silently: defaults are written to disk and used. Any other
// read or parse failure returns a *ConfigError.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	cfg, err := s.read()
	if err != nil {
		return nil, err
	}
	s.active.Store(cfg)
	return s, nil
}

func (s *Store) read() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if werr := s.writeDefaults(cfg); werr != nil {
			return nil, &ConfigError{Path: s.path, Err: werr}
		}
		return cfg, nil
	}
	if err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}

	// Expand environment variables so secrets can stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Path: s.path, Err: err}
	}
	return cfg, nil
}

func (s *Store) writeDefaults(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(s.path, append(data, '\n'), 0o600)
}

// Active returns the current configuration snapshot. The returned
// pointer must be treated as read-only.
func (s *Store) Active() *Config {
	return s.active.Load()
}

// Reload re-reads the document from disk and swaps it in atomically.
// On failure the previous document stays active.
func (s *Store) Reload() error {
	cfg, err := s.read()
	if err != nil {
		return err
	}
	s.active.Store(cfg)
	return nil
}

// Path returns the on-disk location of the config document.
func (s *Store) Path() string {
	return s.path
}
