package routines

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationError rejects a malformed routine or trigger document.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid routine: " + e.Reason
}

// ErrRoutineNotFound is returned on lookups and mutations of ids that
// do not exist.
var ErrRoutineNotFound = fmt.Errorf("routine not found")

// HourMinute is a parsed trigger hour.
type HourMinute struct {
	Hour   int
	Minute int
}

func (h HourMinute) String() string {
	return fmt.Sprintf("%02d:%02d", h.Hour, h.Minute)
}

// TriggerHour extracts the hour field of a time trigger. It accepts
// "HH:MM" strings, bare hour integers, and JSON float64 hours.
func TriggerHour(trigger map[string]any) (HourMinute, bool) {
	raw, ok := trigger["hour"]
	if !ok {
		return HourMinute{}, false
	}
	switch v := raw.(type) {
	case string:
		hm, err := parseHourMinute(v)
		if err != nil {
			return HourMinute{}, false
		}
		return hm, true
	case int:
		return HourMinute{Hour: v}, true
	case int64:
		return HourMinute{Hour: int(v)}, true
	case float64:
		return HourMinute{Hour: int(v)}, true
	}
	return HourMinute{}, false
}

func parseHourMinute(s string) (HourMinute, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	hour, err := strconv.Atoi(h)
	if err != nil {
		return HourMinute{}, fmt.Errorf("bad hour %q", s)
	}
	minute := 0
	if ok {
		minute, err = strconv.Atoi(m)
		if err != nil {
			return HourMinute{}, fmt.Errorf("bad minute %q", s)
		}
	}
	if hour < 0 || hour > 23 {
		return HourMinute{}, fmt.Errorf("hour %d out of range", hour)
	}
	if minute < 0 || minute > 59 {
		return HourMinute{}, fmt.Errorf("minute %d out of range", minute)
	}
	return HourMinute{Hour: hour, Minute: minute}, nil
}

// ValidateTrigger rejects trigger documents that could never fire or
// would fire at a nonsense time, such as "24:00" or minute 60.
func ValidateTrigger(trigger map[string]any) error {
	if trigger == nil {
		return &ValidationError{Reason: "trigger must not be empty"}
	}
	typ, _ := trigger["type"].(string)
	switch typ {
	case TriggerTimeBased, TriggerRelativeTimeBased:
		if _, ok := trigger["hour"]; !ok {
			return &ValidationError{Reason: "time trigger needs an hour"}
		}
		switch v := trigger["hour"].(type) {
		case string:
			if _, err := parseHourMinute(v); err != nil {
				return &ValidationError{Reason: err.Error()}
			}
		case int:
			if v < 0 || v > 23 {
				return &ValidationError{Reason: fmt.Sprintf("hour %d out of range", v)}
			}
		case float64:
			if v < 0 || v > 23 {
				return &ValidationError{Reason: fmt.Sprintf("hour %d out of range", int(v))}
			}
		default:
			return &ValidationError{Reason: "hour must be \"HH:MM\" or an integer"}
		}
		if d, ok := trigger["date"].(string); ok && d != "" {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return &ValidationError{Reason: fmt.Sprintf("bad date %q", d)}
			}
		}
	case TriggerContextBased, TriggerEventBased:
		// Matched against request context, nothing to range-check.
	case "":
		return &ValidationError{Reason: "trigger needs a type"}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unknown trigger type %q", typ)}
	}
	return nil
}

// NormalizeTrigger rewrites a validated time trigger so the hour is
// always stored as "HH:MM". Reads stay permissive; writes are
// canonical.
func NormalizeTrigger(trigger map[string]any) {
	typ, _ := trigger["type"].(string)
	if typ != TriggerTimeBased && typ != TriggerRelativeTimeBased {
		return
	}
	if hm, ok := TriggerHour(trigger); ok {
		trigger["hour"] = hm.String()
	}
}

// weekdays maps lowercase Spanish day names, with and without
// accents, to time.Weekday.
var weekdays = map[string]time.Weekday{
	"domingo":   time.Sunday,
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miércoles": time.Wednesday,
	"miercoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sábado":    time.Saturday,
	"sabado":    time.Saturday,
}

// MatchContext carries the facts a trigger can be matched against.
// Now is in the assistant's configured timezone. Intent, Location and
// DeviceType come from the current interaction and are empty on
// scheduler ticks.
type MatchContext struct {
	Now        time.Time
	Intent     string
	Location   string
	DeviceType string
}

// Matches reports whether the trigger fires for the given context.
// Unknown fields never match rather than erroring, so a routine with
// a weekday typo stays inert instead of firing daily.
func Matches(trigger map[string]any, mc MatchContext) bool {
	typ, _ := trigger["type"].(string)
	switch typ {
	case TriggerTimeBased, TriggerRelativeTimeBased:
		return matchesTime(trigger, mc.Now)
	case TriggerContextBased:
		loc, _ := trigger["location"].(string)
		dev, _ := trigger["device_type"].(string)
		if loc == "" && dev == "" {
			return false
		}
		return loc == mc.Location && dev == mc.DeviceType
	case TriggerEventBased:
		if intent, _ := trigger["intent"].(string); intent != "" {
			return intent == mc.Intent
		}
		return false
	}
	return false
}

func matchesTime(trigger map[string]any, now time.Time) bool {
	hm, ok := TriggerHour(trigger)
	if !ok {
		return false
	}
	if now.Hour() != hm.Hour || now.Minute() != hm.Minute {
		return false
	}
	if d, ok := trigger["date"].(string); ok && d != "" {
		if now.Format("2006-01-02") != d {
			return false
		}
	}
	if days := triggerDays(trigger); days != nil {
		if _, ok := days[now.Weekday()]; !ok {
			return false
		}
	}
	return true
}

// triggerDays returns nil when the trigger has no day restriction.
// Listed days that do not parse are dropped, so "miercoles" works but
// "miercole" silently never matches.
func triggerDays(trigger map[string]any) map[time.Weekday]bool {
	raw, ok := trigger["days"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		// A present but empty list means no restriction, not a
		// trigger that can never fire.
		return nil
	}
	days := make(map[time.Weekday]bool)
	for _, d := range list {
		name, ok := d.(string)
		if !ok {
			continue
		}
		if wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]; ok {
			days[wd] = true
		}
	}
	return days
}

// CheckRoutineTriggers returns the action strings of every runnable
// routine of the user whose trigger matches the context. Joined IoT
// commands are rendered as mqtt_publish strings so callers get one
// uniform action list.
func (s *Store) CheckRoutineTriggers(userID int64, mc MatchContext) ([]string, error) {
	rs, err := s.ListByUser(userID, true, true)
	if err != nil {
		return nil, err
	}
	var actions []string
	for _, r := range rs {
		if !Matches(r.Trigger, mc) {
			continue
		}
		for _, cmd := range r.Commands {
			actions = append(actions, fmt.Sprintf("%s%s,%s", ActionMQTTPrefix, cmd.Topic, cmd.Payload))
		}
		for _, a := range r.Actions {
			if strings.HasPrefix(a, ActionMQTTPrefix) && len(r.Commands) > 0 {
				continue
			}
			actions = append(actions, a)
		}
	}
	return actions, nil
}
