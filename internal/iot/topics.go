// Package iot implements the MQTT side of Casia: the wire topic
// grammar, the command marker parser, the validated executor, and the
// broker connection itself.
package iot

import (
	"strconv"
	"strings"
)

// Categories recognized in iot/<category>/<DEVICE_ID>/... topics.
var Categories = map[string]bool{
	"lights":     true,
	"doors":      true,
	"actuators":  true,
	"sensors":    true,
	"hvac":       true,
	"security":   true,
	"media":      true,
	"appliances": true,
	"power":      true,
}

// Topic is a parsed iot/... topic.
type Topic struct {
	Category string
	DeviceID string
	Kind     string // "command", "status", "status/get", or a system channel
	System   bool
}

// ParseTopic decomposes a bus topic per the wire grammar. ok is false
// for topics outside the iot/ namespace or with too few segments.
func ParseTopic(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "iot" {
		return Topic{}, false
	}

	if parts[1] == "system" {
		return Topic{Category: "system", Kind: strings.Join(parts[2:], "/"), System: true}, true
	}

	t := Topic{
		Category: parts[1],
		DeviceID: parts[2],
		Kind:     strings.Join(parts[3:], "/"),
	}
	return t, true
}

// CommandTopic builds iot/<category>/<deviceID>/command.
func CommandTopic(category, deviceID string) string {
	return "iot/" + category + "/" + deviceID + "/command"
}

// StatusGetTopic builds iot/<category>/<deviceID>/status/get.
func StatusGetTopic(category, deviceID string) string {
	return "iot/" + category + "/" + deviceID + "/status/get"
}

// ValidPayload reports whether a command payload is one of the
// accepted shapes: ON, OFF, OPEN, CLOSE, or a number.
func ValidPayload(payload string) bool {
	switch payload {
	case "ON", "OFF", "OPEN", "CLOSE":
		return true
	}
	_, err := strconv.ParseFloat(payload, 64)
	return err == nil
}

// Confirmation is a parsed iot/system/confirmations payload. The wire
// format is |-delimited: type|device|action|state|result.
type Confirmation struct {
	Type   string
	Device string
	Action string
	State  string
	Result string
}

// ParseConfirmation splits a confirmations payload. ok is false when
// the payload has fewer than five fields.
func ParseConfirmation(payload string) (Confirmation, bool) {
	parts := strings.Split(payload, "|")
	if len(parts) < 5 {
		return Confirmation{}, false
	}
	return Confirmation{
		Type:   parts[0],
		Device: parts[1],
		Action: parts[2],
		State:  parts[3],
		Result: parts[4],
	}, true
}
