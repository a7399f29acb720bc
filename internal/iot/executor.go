package iot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/store"
)

// DefaultPublishTimeout bounds one MQTT publish.
const DefaultPublishTimeout = 10 * time.Second

// Executor validates parsed commands against the registry and
// publishes them to the bus.
type Executor struct {
	reg     *registry.Store
	bus     Publisher
	db      *store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an Executor. A non-positive timeout selects
// DefaultPublishTimeout.
func NewExecutor(reg *registry.Store, bus Publisher, db *store.Store, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Executor{reg: reg, bus: bus, db: db, timeout: timeout, logger: logger}
}

// Execute resolves the parsed command in the registry, publishes it,
// and updates DeviceState optimistically. The returned string is the
// human confirmation injected into the reply.
//
// DeviceState changes only after a successful publish, so either both
// happen or neither does.
func (e *Executor) Execute(ctx context.Context, cmd *ParsedCommand) (string, error) {
	var record *registry.Command
	var err error

	if cmd.Name == SyntheticName {
		record, err = e.reg.GetByTopicPayload(cmd.Topic, cmd.Payload)
	} else {
		record, err = e.reg.GetByName(cmd.Name)
	}
	if err != nil {
		return "", fmt.Errorf("registry lookup: %w", err)
	}
	if record == nil {
		return "", &CommandNotFound{Name: cmd.Name}
	}
	if record.Kind != "mqtt" {
		return "", &UnsupportedCommandKind{Name: record.Name, Kind: record.Kind}
	}

	// A named marker may only publish the pair registered under that
	// name. The model sometimes hallucinates a topic or payload for a
	// real command name; those must never reach the bus.
	if cmd.Name != SyntheticName {
		if cmd.Topic != "" && cmd.Topic != record.Topic {
			return "", &CommandMismatch{Name: record.Name, Topic: cmd.Topic, Payload: cmd.Payload}
		}
		if cmd.Payload != "" && cmd.Payload != record.Payload {
			return "", &CommandMismatch{Name: record.Name, Topic: cmd.Topic, Payload: cmd.Payload}
		}
	}

	topic := cmd.Topic
	if topic == "" {
		topic = record.Topic
	}
	payload := cmd.Payload
	if payload == "" {
		payload = record.Payload
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.bus.Publish(pubCtx, topic, []byte(payload)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &MQTTTimeout{Topic: topic}
		}
		return "", &MQTTFailure{Topic: topic, Err: err}
	}

	e.updateDeviceState(topic, payload)

	e.logger.Info("iot command executed",
		"command", record.Name, "topic", topic, "payload", payload)
	return fmt.Sprintf("Comando MQTT '%s' ejecutado.", record.Name), nil
}

// updateDeviceState records the optimistic post-command state. The
// inbound status subscriber overwrites it with the authoritative
// value when the device reports back.
func (e *Executor) updateDeviceState(topic, payload string) {
	t, ok := ParseTopic(topic)
	if !ok || t.System || t.Kind != "command" {
		return
	}
	if err := e.db.UpsertDeviceState(t.DeviceID, t.Category, map[string]any{"status": payload}); err != nil {
		e.logger.Warn("optimistic device state update failed",
			"device", t.DeviceID, "error", err)
	}
}
