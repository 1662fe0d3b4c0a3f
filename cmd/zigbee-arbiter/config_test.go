package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "zigbee-arbiter.db" || cfg.KnowledgeDir != "devices" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Log.Format != "text" || cfg.MQTT.TopicPrefix != "zigbee-arbiter" || cfg.Gateway.Topic != "zigbee-gateway" {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
arbiter:
  learning_window: 10m
  reevaluate_interval: 2h
dedup:
  window: 250ms
retry:
  attempts: 4
  base_delay: 100ms
  attempt_timeout: 3s
gateway:
  enabled: true
  broker: tcp://localhost:1883
  unsupported: [send_frame]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Arbiter.LearningWindow != 10*time.Minute || cfg.Arbiter.ReevaluateInterval != 2*time.Hour {
		t.Errorf("arbiter = %+v", cfg.Arbiter)
	}
	if cfg.Dedup.Window != 250*time.Millisecond || cfg.Retry.Attempts != 4 || cfg.Retry.AttemptTimeout != 3*time.Second {
		t.Errorf("dedup/retry = %+v %+v", cfg.Dedup, cfg.Retry)
	}
	if len(cfg.Gateway.Unsupported) != 1 || cfg.Gateway.Unsupported[0] != "send_frame" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if err := cfg.validate(); err != nil {
		t.Error(err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative attempts", "retry:\n  attempts: -1\n", "retry.attempts"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"gateway without broker", "gateway:\n  enabled: true\n", "gateway.broker"},
		{"history without bucket", "history:\n  url: http://localhost:8086\n", "history.org"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"negative window", "dedup:\n  window: -1s\n", "dedup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
