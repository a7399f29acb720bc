package iot

import (
	"strings"
	"sync"
)

// SyntheticName is the command name assigned to bare mqtt_publish
// markers, which carry only a topic and payload.
const SyntheticName = "mqtt_publish"

// ParsedCommand is the normalized form of a command marker.
type ParsedCommand struct {
	Name    string
	Topic   string
	Payload string
	Raw     string
}

// Parser parses command markers. It memoizes the last parse so the
// same string is not re-parsed twice within one request.
type Parser struct {
	mu       sync.Mutex
	lastRaw  string
	lastCmd  *ParsedCommand
	lastErr  error
	lastSeen bool
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse normalizes a command marker string. Two shapes are accepted:
//
//	iot_command:<name>:<topic>,<payload>
//	mqtt_publish:<topic>,<payload>
//
// Everything else is a *ParseError.
func (p *Parser) Parse(raw string) (*ParsedCommand, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastSeen && raw == p.lastRaw {
		return p.lastCmd, p.lastErr
	}

	cmd, err := parse(raw)
	p.lastRaw, p.lastCmd, p.lastErr, p.lastSeen = raw, cmd, err, true
	return cmd, err
}

func parse(raw string) (*ParsedCommand, error) {
	s := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(s, "iot_command:"):
		rest := strings.TrimPrefix(s, "iot_command:")
		name, tp, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, &ParseError{Raw: raw, Reason: "missing topic/payload after command name"}
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &ParseError{Raw: raw, Reason: "missing command name"}
		}
		topic, payload, err := splitTopicPayload(raw, tp)
		if err != nil {
			return nil, err
		}
		return &ParsedCommand{Name: name, Topic: topic, Payload: payload, Raw: raw}, nil

	case strings.HasPrefix(s, "mqtt_publish:"):
		rest := strings.TrimPrefix(s, "mqtt_publish:")
		topic, payload, err := splitTopicPayload(raw, rest)
		if err != nil {
			return nil, err
		}
		return &ParsedCommand{Name: SyntheticName, Topic: topic, Payload: payload, Raw: raw}, nil

	default:
		return nil, &ParseError{Raw: raw, Reason: "unknown command prefix"}
	}
}

func splitTopicPayload(raw, s string) (string, string, error) {
	topic, payload, ok := strings.Cut(s, ",")
	if !ok {
		return "", "", &ParseError{Raw: raw, Reason: "missing payload"}
	}
	topic = strings.TrimSpace(topic)
	payload = strings.TrimSpace(payload)
	if topic == "" {
		return "", "", &ParseError{Raw: raw, Reason: "empty topic"}
	}
	if payload == "" {
		return "", "", &ParseError{Raw: raw, Reason: "empty payload"}
	}
	return topic, payload, nil
}

// Format re-renders a parsed command as its canonical marker string.
// Parsing then formatting round-trips (name, topic, payload).
func (c *ParsedCommand) Format() string {
	if c.Name == SyntheticName {
		return "mqtt_publish:" + c.Topic + "," + c.Payload
	}
	return "iot_command:" + c.Name + ":" + c.Topic + "," + c.Payload
}
