//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	reconnectPeriod = 5 * time.Second
)

var ErrNotConnected = errors.New("mqtt not connected")

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// clientOptions builds reconnecting client options. Messages are delivered
// to handlers one at a time in arrival order.
func clientOptions(cfg ClientConfig, defaultID string) *pahomqtt.ClientOptions {
	id := cfg.ClientID
	if id == "" {
		id = defaultID
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(id).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectPeriod).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

func connect(client pahomqtt.Client) error {
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// publishWait publishes and waits for the broker acknowledgement or ctx.
func publishWait(ctx context.Context, client pahomqtt.Client, topic string, retained bool, payload []byte) error {
	token := client.Publish(topic, 1, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
