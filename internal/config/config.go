package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/darshan-pr/AI-partners-sub000/internal/devserver"
	"github.com/darshan-pr/AI-partners-sub000/internal/interrupt"
	"github.com/darshan-pr/AI-partners-sub000/internal/logging"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
	"github.com/darshan-pr/AI-partners-sub000/internal/voice"
)

// EnvPrefix prefixes environment overrides, e.g. STUDYVOICE_TRANSPORT_URL.
const EnvPrefix = "STUDYVOICE"

// Config holds all configuration for the studyvoice client.
// It is loaded from ~/.studyvoice/config.yaml and can be overridden by environment variables.
type Config struct {
	Transport    TransportConfig    `mapstructure:"transport" yaml:"transport"`
	Session      SessionConfig      `mapstructure:"session" yaml:"session"`
	Interruption InterruptionConfig `mapstructure:"interruption" yaml:"interruption"`
	Speech       SpeechConfig       `mapstructure:"speech" yaml:"speech"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Journal      JournalConfig      `mapstructure:"journal" yaml:"journal"`
	DevServer    DevServerConfig    `mapstructure:"devserver" yaml:"devserver"`
}

// TransportConfig locates the remote voice service.
type TransportConfig struct {
	// URL is the websocket endpoint carrying the session protocol.
	URL string `mapstructure:"url" yaml:"url"`

	// EnsureURL is POSTed before connecting so the agent router is running.
	// Empty skips the call.
	EnsureURL string `mapstructure:"ensure_url" yaml:"ensure_url"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
}

// ToClientConfig converts TransportConfig for the transport package.
func (c TransportConfig) ToClientConfig() transport.Config {
	return transport.Config{
		URL:              c.URL,
		EnsureURL:        c.EnsureURL,
		HandshakeTimeout: c.HandshakeTimeout,
		PingInterval:     c.PingInterval,
		WriteTimeout:     c.WriteTimeout,
		HTTPTimeout:      c.HTTPTimeout,
	}
}

// SessionConfig identifies the user and bounds every wait of a session.
type SessionConfig struct {
	Username       string `mapstructure:"username" yaml:"username"`
	MultiAgentMode bool   `mapstructure:"multi_agent_mode" yaml:"multi_agent_mode"`

	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	SessionInitTimeout time.Duration `mapstructure:"session_init_timeout" yaml:"session_init_timeout"`
	ListenAckTimeout   time.Duration `mapstructure:"listen_ack_timeout" yaml:"listen_ack_timeout"`
	ResponseTimeout    time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`

	// EventHistory is how many events the bus keeps for late subscribers.
	EventHistory int `mapstructure:"event_history" yaml:"event_history"`
}

// InterruptionConfig tunes barge-in detection. These values hot-reload.
type InterruptionConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// EnergyThreshold is the normalized RMS level counted as voice.
	EnergyThreshold float64 `mapstructure:"energy_threshold" yaml:"energy_threshold"`

	// TriggerFrames is how many consecutive loud frames fire the energy channel.
	TriggerFrames int           `mapstructure:"trigger_frames" yaml:"trigger_frames"`
	FrameInterval time.Duration `mapstructure:"frame_interval" yaml:"frame_interval"`
	WindowFrames  int           `mapstructure:"window_frames" yaml:"window_frames"`

	// ConfidenceFloor drops recognition partials reported below it.
	// Partials without a reported confidence always count.
	ConfidenceFloor float64 `mapstructure:"confidence_floor" yaml:"confidence_floor"`

	Holdoff time.Duration `mapstructure:"holdoff" yaml:"holdoff"`
}

// ToDetectorConfig converts InterruptionConfig for the interrupt package.
func (c InterruptionConfig) ToDetectorConfig(sp SpeechConfig) interrupt.Config {
	return interrupt.Config{
		EnergyThreshold: c.EnergyThreshold,
		TriggerFrames:   c.TriggerFrames,
		FrameInterval:   c.FrameInterval,
		WindowFrames:    c.WindowFrames,
		ConfidenceFloor: c.ConfidenceFloor,
		Language:        sp.Language,
		StartTimeout:    sp.RecognizerStartTimeout,
		Holdoff:         c.Holdoff,
	}
}

// SpeechConfig configures recognition and synthesis.
type SpeechConfig struct {
	Language string `mapstructure:"language" yaml:"language"`

	// Mode is "conversational" or "detailed".
	Mode   string  `mapstructure:"mode" yaml:"mode"`
	Voice  string  `mapstructure:"voice" yaml:"voice"`
	Rate   float64 `mapstructure:"rate" yaml:"rate"`
	Pitch  float64 `mapstructure:"pitch" yaml:"pitch"`
	Volume float64 `mapstructure:"volume" yaml:"volume"`

	SynthesisTimeout       time.Duration `mapstructure:"synthesis_timeout" yaml:"synthesis_timeout"`
	RecognizerStartTimeout time.Duration `mapstructure:"recognizer_start_timeout" yaml:"recognizer_start_timeout"`
	MaxRestarts            int           `mapstructure:"max_restarts" yaml:"max_restarts"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// ToLoggerConfig converts LoggingConfig for the logging package.
func (c LoggingConfig) ToLoggerConfig() *logging.Config {
	return &logging.Config{Dir: c.Dir, Level: c.Level, Console: c.Console}
}

// JournalConfig controls the session journal. Only lifecycle metadata is
// stored, never transcripts.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DevServerConfig configures the local stand-in voice service.
type DevServerConfig struct {
	Addr          string        `mapstructure:"addr" yaml:"addr"`
	ResponseDelay time.Duration `mapstructure:"response_delay" yaml:"response_delay"`
	AgentStatus   string        `mapstructure:"agent_status" yaml:"agent_status"`
	AgentType     string        `mapstructure:"agent_type" yaml:"agent_type"`
}

// ToOptions converts DevServerConfig for the devserver package.
func (c DevServerConfig) ToOptions() devserver.Options {
	return devserver.Options{
		ResponseDelay: c.ResponseDelay,
		AgentStatus:   c.AgentStatus,
		AgentType:     c.AgentType,
	}
}

// ToControllerConfig assembles the voice controller configuration.
func (c *Config) ToControllerConfig() voice.Config {
	return voice.Config{
		ConnectTimeout:     c.Session.ConnectTimeout,
		SessionInitTimeout: c.Session.SessionInitTimeout,
		ListenAckTimeout:   c.Session.ListenAckTimeout,
		ResponseTimeout:    c.Session.ResponseTimeout,
		Input: speech.InputConfig{
			Language:     c.Speech.Language,
			StartTimeout: c.Speech.RecognizerStartTimeout,
			MaxRestarts:  c.Speech.MaxRestarts,
		},
		Speech: speech.Settings{
			Mode:    speech.DeliveryMode(c.Speech.Mode),
			Voice:   c.Speech.Voice,
			Rate:    c.Speech.Rate,
			Pitch:   c.Speech.Pitch,
			Volume:  c.Speech.Volume,
			Timeout: c.Speech.SynthesisTimeout,
		},
		Interruption: c.ToInterruptionConfig(),
		EventHistory: c.Session.EventHistory,
	}
}

// ToInterruptionConfig returns the controller's barge-in settings.
func (c *Config) ToInterruptionConfig() voice.InterruptionConfig {
	return voice.InterruptionConfig{
		Enabled:  c.Interruption.Enabled,
		Detector: c.Interruption.ToDetectorConfig(c.Speech),
	}
}

// ToOpenConfig returns the identity used to open sessions.
func (c *Config) ToOpenConfig() voice.OpenConfig {
	return voice.OpenConfig{
		Username:       c.Session.Username,
		MultiAgentMode: c.Session.MultiAgentMode,
	}
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := defaultDataDir()
	detector := interrupt.DefaultConfig()
	input := speech.DefaultInputConfig()

	return &Config{
		Transport: TransportConfig{
			URL:              "ws://localhost:8765/ws/voice",
			EnsureURL:        "http://localhost:8765/api/voice/start",
			HandshakeTimeout: 5 * time.Second,
			PingInterval:     30 * time.Second,
			WriteTimeout:     5 * time.Second,
			HTTPTimeout:      10 * time.Second,
		},
		Session: SessionConfig{
			Username:           "",
			MultiAgentMode:     false,
			ConnectTimeout:     10 * time.Second,
			SessionInitTimeout: 10 * time.Second,
			ListenAckTimeout:   5 * time.Second,
			ResponseTimeout:    60 * time.Second,
			EventHistory:       100,
		},
		Interruption: InterruptionConfig{
			Enabled:         true,
			EnergyThreshold: detector.EnergyThreshold, // 0.015
			TriggerFrames:   detector.TriggerFrames,   // ~48ms of voice
			FrameInterval:   detector.FrameInterval,
			WindowFrames:    detector.WindowFrames,
			ConfidenceFloor: detector.ConfidenceFloor,
			Holdoff:         0,
		},
		Speech: SpeechConfig{
			Language:               input.Language,
			Mode:                   string(speech.ModeConversational),
			Rate:                   1.0,
			Pitch:                  1.0,
			Volume:                 1.0,
			SynthesisTimeout:       2 * time.Minute,
			RecognizerStartTimeout: input.StartTimeout,
			MaxRestarts:            input.MaxRestarts,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Dir:     filepath.Join(dataDir, "logs"),
			Console: false,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "journal.db"),
		},
		DevServer: DevServerConfig{
			Addr:        "localhost:8765",
			AgentStatus: "thinking",
		},
	}
}

// DefaultPath returns ~/.studyvoice/config.yaml.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".studyvoice")
}

// Load reads configuration from the default location (~/.studyvoice/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	if _, err := os.UserHomeDir(); err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: STUDYVOICE_INTERRUPTION_ENERGY_THRESHOLD
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	cfg.Journal.Path = expandPath(cfg.Journal.Path)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values a hand-edited file left empty.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Transport.URL == "" {
		c.Transport.URL = defaults.Transport.URL
	}
	if c.Speech.Language == "" {
		c.Speech.Language = defaults.Speech.Language
	}
	if c.Speech.Mode == "" {
		c.Speech.Mode = defaults.Speech.Mode
	}
	if c.Interruption.FrameInterval == 0 {
		c.Interruption.FrameInterval = defaults.Interruption.FrameInterval
	}
	if c.Interruption.TriggerFrames == 0 {
		c.Interruption.TriggerFrames = defaults.Interruption.TriggerFrames
	}
	if c.Interruption.WindowFrames == 0 {
		c.Interruption.WindowFrames = defaults.Interruption.WindowFrames
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Journal.Path == "" {
		c.Journal.Path = defaults.Journal.Path
	}
	if c.DevServer.Addr == "" {
		c.DevServer.Addr = defaults.DevServer.Addr
	}
}

// Save writes the current configuration to the default config file location.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultPath())
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// EnsureDirectories creates the log and journal directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Logging.Dir}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Transport.URL, "ws://") && !strings.HasPrefix(c.Transport.URL, "wss://") {
		return fmt.Errorf("transport.url must be a ws:// or wss:// URL, got '%s'", c.Transport.URL)
	}
	if c.Transport.EnsureURL != "" &&
		!strings.HasPrefix(c.Transport.EnsureURL, "http://") && !strings.HasPrefix(c.Transport.EnsureURL, "https://") {
		return fmt.Errorf("transport.ensure_url must be an http(s) URL, got '%s'", c.Transport.EnsureURL)
	}

	timeouts := map[string]time.Duration{
		"session.connect_timeout":      c.Session.ConnectTimeout,
		"session.session_init_timeout": c.Session.SessionInitTimeout,
		"session.listen_ack_timeout":   c.Session.ListenAckTimeout,
		"session.response_timeout":     c.Session.ResponseTimeout,
		"speech.synthesis_timeout":     c.Speech.SynthesisTimeout,
	}
	for name, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Interruption.EnergyThreshold <= 0 || c.Interruption.EnergyThreshold > 1 {
		return fmt.Errorf("interruption.energy_threshold must be in (0, 1]")
	}
	if c.Interruption.TriggerFrames < 1 {
		return fmt.Errorf("interruption.trigger_frames must be at least 1")
	}
	if c.Interruption.FrameInterval <= 0 {
		return fmt.Errorf("interruption.frame_interval must be positive")
	}
	if c.Interruption.ConfidenceFloor < 0 || c.Interruption.ConfidenceFloor > 1 {
		return fmt.Errorf("interruption.confidence_floor must be in [0, 1]")
	}

	if !speech.DeliveryMode(c.Speech.Mode).Valid() {
		return fmt.Errorf("invalid speech mode '%s', must be one of: conversational, detailed", c.Speech.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path cannot be empty when the journal is enabled")
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
