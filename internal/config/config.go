package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for LiveDesk
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Database DatabaseConfig `mapstructure:"database"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	BaseURL      string   `mapstructure:"base_url"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RoutingConfig tunes the automated responder and assignment
type RoutingConfig struct {
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	HistoryLimit        int           `mapstructure:"history_limit"`
	GeneratorTimeout    time.Duration `mapstructure:"generator_timeout"`
	FallbackReply       string        `mapstructure:"fallback_reply"`
}

// MonitorConfig holds the liveness scan schedule
type MonitorConfig struct {
	InactivityInterval time.Duration `mapstructure:"inactivity_interval"`
	InactivityWarning  time.Duration `mapstructure:"inactivity_warning"`
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	LivenessInterval   time.Duration `mapstructure:"liveness_interval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider    string   `mapstructure:"provider"`
	BaseURL     string   `mapstructure:"base_url"`
	APIKey      string   `mapstructure:"api_key"`
	AccessKey   string   `mapstructure:"access_key"`
	SecretKey   string   `mapstructure:"secret_key"`
	Model       string   `mapstructure:"model"`
	Region      string   `mapstructure:"region"`
	Temperature *float32 `mapstructure:"temperature"`
}

// Enabled reports whether credentials for the chat model were provided
func (c LLMConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// KafkaConfig holds notification broker configuration
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Enabled reports whether notifications should go to Kafka
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0 && c.Topic != ""
}

// LogConfig holds logger configuration
type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("LIVEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/livedesk.db")

	v.SetDefault("routing.confidence_threshold", 0.6)
	v.SetDefault("routing.history_limit", 10)
	v.SetDefault("routing.generator_timeout", 20*time.Second)
	v.SetDefault("routing.fallback_reply", "Sorry, I can't answer right now. Would you like to talk to an operator?")

	v.SetDefault("monitor.inactivity_interval", 60*time.Second)
	v.SetDefault("monitor.inactivity_warning", 4*time.Minute)
	v.SetDefault("monitor.inactivity_timeout", 5*time.Minute)
	v.SetDefault("monitor.liveness_interval", 30*time.Second)
	v.SetDefault("monitor.heartbeat_timeout", 30*time.Second)

	v.SetDefault("llm.provider", "ark")
	v.SetDefault("llm.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.region", "cn-beijing")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "livedesk.notifications")

	v.SetDefault("log.development", false)
}

// Validate rejects schedules and thresholds the monitors cannot honor
func (c *Config) Validate() error {
	m := c.Monitor
	if m.InactivityInterval <= 0 || m.LivenessInterval <= 0 {
		return errors.New("config: monitor intervals must be positive")
	}
	if m.InactivityWarning <= 0 || m.InactivityTimeout <= 0 || m.HeartbeatTimeout <= 0 {
		return errors.New("config: monitor timeouts must be positive")
	}
	if m.InactivityWarning >= m.InactivityTimeout {
		return fmt.Errorf("config: inactivity_warning (%s) must be shorter than inactivity_timeout (%s)",
			m.InactivityWarning, m.InactivityTimeout)
	}
	if t := c.Routing.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: confidence_threshold %v outside [0,1]", t)
	}
	if c.Database.Path == "" {
		return errors.New("config: database.path is required")
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
