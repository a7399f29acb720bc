package routines

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmfontan/casia/internal/registry"
)

// Creator recognizes routine-creation requests in user prompts and
// normalizes them into stored routines. Both shapes produce routines
// that are confirmed and enabled with confidence 1.0, since the user
// asked for them explicitly.
type Creator struct {
	store  *Store
	reg    *registry.Store
	loc    func() *time.Location
	logger *slog.Logger
}

// NewCreator wires a creation handler.
func NewCreator(s *Store, reg *registry.Store, loc func() *time.Location, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = func() *time.Location { return time.Local }
	}
	return &Creator{store: s, reg: reg, loc: loc, logger: logger}
}

var (
	reminderVerb = regexp.MustCompile(`(?i)\b(av[ií]same|notif[ií]came|dime)\b`)
	absoluteTime = regexp.MustCompile(`(?i)\ba las (\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	relativeTime = regexp.MustCompile(`(?i)\ben (\d+) minutos?\b`)
	reminderText = regexp.MustCompile(`(?i)\bque (.+)$`)

	structuredRoutine = regexp.MustCompile(`(?i)crear rutina:\s*([^;]+);\s*disparador:\s*([^;]+);\s*acciones:\s*(.+)$`)
)

// Handle inspects a prompt for a creation request. It returns the
// reply to show the user and whether the prompt was a creation
// request at all. A recognized request that fails validation still
// returns handled=true with a friendly message and stores nothing.
func (c *Creator) Handle(userID int64, prompt string) (reply string, handled bool) {
	if m := structuredRoutine.FindStringSubmatch(prompt); m != nil {
		return c.createStructured(userID, m[1], m[2], m[3]), true
	}
	if reminderVerb.MatchString(prompt) {
		if hm, ok := c.parseTime(prompt); ok {
			return c.createReminder(userID, prompt, hm), true
		}
	}
	return "", false
}

// parseTime extracts "a las HH[:MM][am|pm]" or "en N minutos" from
// the prompt. Relative times are converted to an absolute clock time
// in the assistant's timezone at creation.
func (c *Creator) parseTime(prompt string) (HourMinute, bool) {
	if m := absoluteTime.FindStringSubmatch(prompt); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		switch strings.ToLower(m[3]) {
		case "pm":
			if hour < 12 {
				hour += 12
			}
		case "am":
			if hour == 12 {
				hour = 0
			}
		}
		if hour > 23 || minute > 59 {
			return HourMinute{}, false
		}
		return HourMinute{Hour: hour, Minute: minute}, true
	}
	if m := relativeTime.FindStringSubmatch(prompt); m != nil {
		mins, _ := strconv.Atoi(m[1])
		at := time.Now().In(c.loc()).Add(time.Duration(mins) * time.Minute)
		return HourMinute{Hour: at.Hour(), Minute: at.Minute()}, true
	}
	return HourMinute{}, false
}

func (c *Creator) createReminder(userID int64, prompt string, hm HourMinute) string {
	text := "es la hora de tu aviso"
	if m := reminderText.FindStringSubmatch(prompt); m != nil {
		text = strings.TrimSpace(m[1])
	}

	r := &Routine{
		UserID:      userID,
		Name:        "Aviso " + hm.String(),
		Description: "Aviso creado por voz",
		Trigger:     map[string]any{"type": TriggerTimeBased, "hour": hm.String()},
		TriggerType: TriggerTimeBased,
		Confirmed:   true,
		Enabled:     true,
		Confidence:  1.0,
		Actions:     []string{ActionTTSPrefix + text},
	}
	if err := c.store.Create(r); err != nil {
		c.logger.Error("reminder creation failed", "user_id", userID, "error", err)
		return "No pude crear el aviso: " + friendlyReason(err)
	}
	return fmt.Sprintf("Perfecto, te avisaré a las %s.", hm)
}

func (c *Creator) createStructured(userID int64, name, triggerText, actionsText string) string {
	name = strings.TrimSpace(name)

	trigger, err := c.parseTriggerText(triggerText)
	if err != nil {
		return "No pude crear la rutina: " + friendlyReason(err)
	}

	var (
		actions  []string
		commands []registry.Command
	)
	for _, action := range splitActions(actionsText) {
		switch {
		case strings.HasPrefix(action, ActionTTSPrefix):
			actions = append(actions, action)
		case strings.HasPrefix(action, ActionMQTTPrefix):
			topic, payload, _ := strings.Cut(strings.TrimPrefix(action, ActionMQTTPrefix), ",")
			if payload == "" {
				payload = inferPayload(name, topic)
			}
			if payload == "" {
				c.logger.Warn("could not infer payload, dropping action", "routine", name, "topic", topic)
				continue
			}
			actions = append(actions, ActionMQTTPrefix+topic+","+payload)
			if cmd, err := c.reg.GetByTopicPayload(topic, payload); err == nil && cmd != nil {
				commands = append(commands, *cmd)
			}
		default:
			// Bare action text: try it as a registered command name.
			cmd, err := c.reg.GetByName(action)
			if err != nil || cmd == nil {
				c.logger.Warn("unknown routine action, dropping", "routine", name, "action", action)
				continue
			}
			commands = append(commands, *cmd)
			actions = append(actions, ActionMQTTPrefix+cmd.Topic+","+cmd.Payload)
		}
	}
	if len(actions) == 0 {
		return "No pude crear la rutina: ninguna acción es válida."
	}

	r := &Routine{
		UserID:      userID,
		Name:        name,
		Description: "Rutina creada por voz",
		Trigger:     trigger,
		Confirmed:   true,
		Enabled:     true,
		Confidence:  1.0,
		Actions:     actions,
		Commands:    commands,
	}
	if err := c.store.Create(r); err != nil {
		c.logger.Error("routine creation failed", "user_id", userID, "routine", name, "error", err)
		return "No pude crear la rutina: " + friendlyReason(err)
	}
	return fmt.Sprintf("Rutina '%s' creada con %d acción(es).", name, len(actions))
}

// splitActions tokenizes the comma-separated action list. The comma
// inside "mqtt_publish:<topic>,<payload>" is part of the action, so a
// bare fragment following an mqtt_publish token without a payload is
// folded back into it.
func splitActions(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, ",") {
		tok := strings.TrimSpace(raw)
		if tok == "" {
			continue
		}
		if n := len(out); n > 0 &&
			strings.HasPrefix(out[n-1], ActionMQTTPrefix) &&
			!strings.Contains(out[n-1], ",") &&
			!strings.Contains(tok, ":") {
			out[n-1] += "," + tok
			continue
		}
		out = append(out, tok)
	}
	return out
}

// parseTriggerText understands "a las HH[:MM][am|pm]" and
// "en N minutos", with optional weekday names anywhere in the text.
func (c *Creator) parseTriggerText(text string) (map[string]any, error) {
	hm, ok := c.parseTime(text)
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("no entiendo el disparador %q", strings.TrimSpace(text))}
	}
	trigger := map[string]any{"type": TriggerTimeBased, "hour": hm.String()}

	var days []any
	lower := strings.ToLower(text)
	for name := range weekdays {
		if strings.Contains(lower, name) {
			days = append(days, name)
		}
	}
	if len(days) > 0 {
		trigger["days"] = days
	}
	return trigger, nil
}

// inferPayload guesses an MQTT payload from the routine name and the
// topic's device category when the action omitted one.
func inferPayload(name, topic string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "encender") && strings.Contains(topic, "lights"):
		return "ON"
	case strings.Contains(n, "abrir") && strings.Contains(topic, "doors"):
		return "OPEN"
	case strings.Contains(n, "apagar"):
		return "OFF"
	case strings.Contains(n, "cerrar"):
		return "CLOSE"
	}
	return ""
}

func friendlyReason(err error) string {
	if ve, ok := err.(*ValidationError); ok {
		return ve.Reason
	}
	return "error interno."
}

// SuggestionName derives a human name from a suggested trigger's
// shape.
func SuggestionName(trigger map[string]any) string {
	typ, _ := trigger["type"].(string)
	switch typ {
	case TriggerTimeBased, TriggerRelativeTimeBased:
		intent, _ := trigger["intent"].(string)
		if intent == "" {
			intent = "acción"
		}
		if hm, ok := TriggerHour(trigger); ok {
			return fmt.Sprintf("Routine: %s at %s", intent, hm)
		}
		return "Routine: " + intent
	case TriggerContextBased:
		action, _ := trigger["action"].(string)
		loc, _ := trigger["location"].(string)
		if action == "" {
			action, _ = trigger["device_type"].(string)
		}
		if loc != "" {
			return fmt.Sprintf("Routine: %s in %s", action, loc)
		}
		return "Routine: " + action
	case TriggerEventBased:
		intent, _ := trigger["intent"].(string)
		return "Routine: " + intent
	}
	return "Routine"
}
