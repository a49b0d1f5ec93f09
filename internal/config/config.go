// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	ADB    ADBConfig    `mapstructure:"adb" yaml:"adb"`
	AI     AIConfig     `mapstructure:"ai" yaml:"ai"`
	Agent  AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Voice  VoiceConfig  `mapstructure:"voice" yaml:"voice"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ADBConfig configures the privileged command channel.
type ADBConfig struct {
	// Binary is the adb executable to invoke.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Serial selects a device when more than one is attached. Empty means
	// the single default device.
	Serial string `mapstructure:"serial" yaml:"serial"`
	// CommandTimeout bounds a single shell invocation. Zero disables the
	// bound; a hung command then stalls its step indefinitely.
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// AIProvider identifies a backend kind for a configured model.
type AIProvider string

const (
	ProviderOpenAI AIProvider = "openai"
	ProviderGemini AIProvider = "gemini"
)

// AIModelConfig defines the configuration for a single vision model.
type AIModelConfig struct {
	Provider    AIProvider    `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// AIConfig configures the vision model routing.
type AIConfig struct {
	DefaultModel string                   `mapstructure:"default_model" yaml:"default_model"`
	Models       map[string]AIModelConfig `mapstructure:"models" yaml:"models"`
}

// AgentConfig configures the task execution loop.
type AgentConfig struct {
	MaxSteps        int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepDelay       time.Duration `mapstructure:"step_delay" yaml:"step_delay"`
	ScreenshotRetry time.Duration `mapstructure:"screenshot_retry" yaml:"screenshot_retry"`
	AnalyzeRetry    time.Duration `mapstructure:"analyze_retry" yaml:"analyze_retry"`
	ContextHistory  int           `mapstructure:"context_history" yaml:"context_history"`
	DisplayHistory  int           `mapstructure:"display_history" yaml:"display_history"`
	EventBufferSize int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`
}

// VoiceConfig configures the voice control pipeline.
type VoiceConfig struct {
	WakeWords         []string      `mapstructure:"wake_words" yaml:"wake_words"`
	Cooldown          time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	BufferResetPeriod time.Duration `mapstructure:"buffer_reset_period" yaml:"buffer_reset_period"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	ResumeDelay       time.Duration `mapstructure:"resume_delay" yaml:"resume_delay"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "phone-agent")
	v.SetDefault("logger.log_file", "phone-agent.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- ADB --
	v.SetDefault("adb.binary", "adb")
	v.SetDefault("adb.serial", "")
	v.SetDefault("adb.command_timeout", "0s")

	// -- AI --
	v.SetDefault("ai.default_model", "gpt-4o")
	v.SetDefault("ai.models.gpt-4o.provider", "openai")
	v.SetDefault("ai.models.gpt-4o.model", "gpt-4o")
	v.SetDefault("ai.models.gpt-4o.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("ai.models.gpt-4o.api_timeout", "60s")
	v.SetDefault("ai.models.gpt-4o.temperature", 0.2)
	v.SetDefault("ai.models.gpt-4o.max_tokens", 1024)

	// -- Agent --
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.step_delay", "500ms")
	v.SetDefault("agent.screenshot_retry", "1s")
	v.SetDefault("agent.analyze_retry", "2s")
	v.SetDefault("agent.context_history", 10)
	v.SetDefault("agent.display_history", 200)
	v.SetDefault("agent.event_buffer_size", 100)

	// -- Voice --
	v.SetDefault("voice.wake_words", []string{"hey agent"})
	v.SetDefault("voice.cooldown", "2500ms")
	v.SetDefault("voice.command_timeout", "10s")
	v.SetDefault("voice.buffer_reset_period", "3s")
	v.SetDefault("voice.settle_delay", "500ms")
	v.SetDefault("voice.resume_delay", "1500ms")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only, but stay safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("ai.models", "PHONE_AGENT_AI_MODELS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.ContextHistory <= 0 || c.Agent.DisplayHistory < c.Agent.ContextHistory {
		return fmt.Errorf("agent history windows invalid: context=%d display=%d", c.Agent.ContextHistory, c.Agent.DisplayHistory)
	}
	if c.AI.DefaultModel != "" {
		if _, ok := c.AI.Models[c.AI.DefaultModel]; !ok {
			return fmt.Errorf("ai.default_model %q not found in ai.models", c.AI.DefaultModel)
		}
	}
	for name, m := range c.AI.Models {
		switch m.Provider {
		case ProviderOpenAI, ProviderGemini:
		default:
			return fmt.Errorf("unknown provider %q for model %q", m.Provider, name)
		}
	}
	if c.Voice.CommandTimeout <= 0 {
		return fmt.Errorf("voice.command_timeout must be positive")
	}
	for _, w := range c.Voice.WakeWords {
		if strings.TrimSpace(w) == "" {
			return fmt.Errorf("voice.wake_words must not contain empty entries")
		}
	}
	return nil
}
