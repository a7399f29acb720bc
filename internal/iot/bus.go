package iot

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/jmfontan/casia/internal/config"
	"github.com/jmfontan/casia/internal/store"
)

// Publisher is the outbound half of the bus, implemented by *Bus and
// by test doubles.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bus manages the MQTT connection. Inbound status messages update
// DeviceState authoritatively; iot/system/# traffic is logged and
// never mutates state.
type Bus struct {
	cfg    config.MQTTConfig
	db     *store.Store
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewBus creates a Bus but does not connect. Call [Bus.Start].
func NewBus(cfg config.MQTTConfig, db *store.Store, logger *slog.Logger) *Bus {
	return &Bus{cfg: cfg, db: db, logger: logger}
}

// Start connects to the broker and subscribes to the status and
// system topics. It returns once the connection manager is running;
// autopaho keeps reconnecting in the background until ctx is
// cancelled.
func (b *Bus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: "iot/+/+/status", QoS: 1},
					{Topic: "iot/system/#", QoS: 0},
				},
			}); err != nil {
				b.logger.Warn("mqtt subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "casia-" + b.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (b *Bus) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// Publish sends one message with QoS 1. The caller bounds the wait
// through ctx; the executor wraps it with the configured timeout.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bus not started")
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	return err
}

// RequestStatus publishes an empty status/get message for a device.
func (b *Bus) RequestStatus(ctx context.Context, category, deviceID string) error {
	return b.Publish(ctx, StatusGetTopic(category, deviceID), nil)
}

// handleMessage dispatches one inbound message. Status payloads are
// authoritative for DeviceState; system traffic is only logged.
func (b *Bus) handleMessage(topic string, payload []byte) {
	t, ok := ParseTopic(topic)
	if !ok {
		b.logger.Debug("mqtt message outside grammar", "topic", topic)
		return
	}

	if t.System {
		b.handleSystem(t.Kind, payload)
		return
	}

	if t.Kind != "status" {
		return
	}

	state := map[string]any{}
	if err := json.Unmarshal(payload, &state); err != nil {
		// Bare payloads like "ON" become {"status": "ON"}.
		state = map[string]any{"status": strings.TrimSpace(string(payload))}
	}

	if err := b.db.UpsertDeviceState(t.DeviceID, t.Category, state); err != nil {
		b.logger.Warn("device state update failed",
			"device", t.DeviceID, "category", t.Category, "error", err)
		return
	}
	b.logger.Debug("device state updated", "device", t.DeviceID, "category", t.Category)
}

func (b *Bus) handleSystem(channel string, payload []byte) {
	if channel == "confirmations" {
		if c, ok := ParseConfirmation(string(payload)); ok {
			b.logger.Info("iot confirmation",
				"type", c.Type, "device", c.Device, "action", c.Action,
				"state", c.State, "result", c.Result)
			return
		}
	}
	b.logger.Info("iot system message", "channel", channel, "payload", string(payload))
}
