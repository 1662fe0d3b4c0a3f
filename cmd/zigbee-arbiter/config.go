package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-arbiter/internal/history"
)

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Gateway struct {
		Enabled     bool     `yaml:"enabled"`
		Broker      string   `yaml:"broker"`
		Username    string   `yaml:"username"`
		Password    string   `yaml:"password"`
		ClientID    string   `yaml:"client_id"`
		Topic       string   `yaml:"topic"`
		Unsupported []string `yaml:"unsupported"`
	} `yaml:"gateway"`
	Arbiter struct {
		LearningWindow     time.Duration `yaml:"learning_window"`
		ReevaluateInterval time.Duration `yaml:"reevaluate_interval"`
	} `yaml:"arbiter"`
	Dedup struct {
		Window         time.Duration `yaml:"window"`
		SweepThreshold int           `yaml:"sweep_threshold"`
	} `yaml:"dedup"`
	Retry struct {
		Attempts       int           `yaml:"attempts"`
		BaseDelay      time.Duration `yaml:"base_delay"`
		MaxDelay       time.Duration `yaml:"max_delay"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	} `yaml:"retry"`
	QueueSize    int            `yaml:"queue_size"`
	KnowledgeDir string         `yaml:"knowledge_dir"`
	History      history.Config `yaml:"history"`
}

func (c *Config) validate() error {
	if c.Arbiter.LearningWindow < 0 || c.Arbiter.ReevaluateInterval < 0 {
		return fmt.Errorf("arbiter durations must not be negative")
	}
	if c.Dedup.Window < 0 || c.Dedup.SweepThreshold < 0 {
		return fmt.Errorf("dedup window and sweep_threshold must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("retry.attempts must not be negative, got %d", c.Retry.Attempts)
	}
	if c.Retry.MaxDelay < 0 || c.Retry.AttemptTimeout < 0 {
		return fmt.Errorf("retry.max_delay and retry.attempt_timeout must not be negative")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Gateway.Enabled && c.Gateway.Broker == "" {
		return fmt.Errorf("gateway.broker is required when the gateway is enabled")
	}
	if c.History.Enabled() && (c.History.Org == "" || c.History.Bucket == "") {
		return fmt.Errorf("history.org and history.bucket are required with history.url")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zigbee-arbiter.db"
	}
	if cfg.KnowledgeDir == "" {
		cfg.KnowledgeDir = "devices"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee-arbiter"
	}
	if cfg.Gateway.Topic == "" {
		cfg.Gateway.Topic = "zigbee-gateway"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
