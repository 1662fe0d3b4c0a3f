//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/transport"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}

func initGateway(cfg *Config, logger *slog.Logger) transport.Transport {
	if cfg.Gateway.Enabled {
		logger.Warn("gateway configured but MQTT support is not built in")
	}
	return nil
}
