//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "zigbee-arbiter/internal/mqtt"

	"zigbee-arbiter/internal/coordinator"
	"zigbee-arbiter/internal/transport"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		ClientConfig: mqttbridge.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
		},
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Discovery:   cfg.MQTT.Discovery,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

// initGateway returns the MQTT radio gateway transport, or nil when the
// gateway is disabled.
func initGateway(cfg *Config, logger *slog.Logger) transport.Transport {
	if !cfg.Gateway.Enabled {
		return nil
	}
	return mqttbridge.NewGateway(mqttbridge.GatewayConfig{
		ClientConfig: mqttbridge.ClientConfig{
			Broker:   cfg.Gateway.Broker,
			Username: cfg.Gateway.Username,
			Password: cfg.Gateway.Password,
			ClientID: cfg.Gateway.ClientID,
		},
		Topic:       cfg.Gateway.Topic,
		Unsupported: cfg.Gateway.Unsupported,
	}, logger)
}
