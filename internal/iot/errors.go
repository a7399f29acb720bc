package iot

import "fmt"

// ParseError reports a malformed command marker. The reply carries
// "Error: <message>" and nothing is published.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid command %q: %s", e.Raw, e.Reason)
}

// CommandNotFound reports a command that passed parsing but matched
// nothing in the registry.
type CommandNotFound struct {
	Name string
}

func (e *CommandNotFound) Error() string {
	return fmt.Sprintf("command %q not found in registry", e.Name)
}

// CommandMismatch reports a named marker whose topic or payload
// disagrees with the registered command. Nothing is published.
type CommandMismatch struct {
	Name    string
	Topic   string
	Payload string
}

func (e *CommandMismatch) Error() string {
	return fmt.Sprintf("command %q does not match registered topic/payload (got %s,%s)",
		e.Name, e.Topic, e.Payload)
}

// UnsupportedCommandKind reports a registered command whose kind is
// not "mqtt".
type UnsupportedCommandKind struct {
	Name string
	Kind string
}

func (e *UnsupportedCommandKind) Error() string {
	return fmt.Sprintf("command %q has unsupported kind %q", e.Name, e.Kind)
}

// MQTTTimeout reports a publish that did not complete within the
// configured deadline. DeviceState is left untouched.
type MQTTTimeout struct {
	Topic string
}

func (e *MQTTTimeout) Error() string {
	return fmt.Sprintf("mqtt publish to %q timed out", e.Topic)
}

// MQTTFailure wraps any other publish failure.
type MQTTFailure struct {
	Topic string
	Err   error
}

func (e *MQTTFailure) Error() string {
	return fmt.Sprintf("mqtt publish to %q failed: %v", e.Topic, e.Err)
}

func (e *MQTTFailure) Unwrap() error { return e.Err }
