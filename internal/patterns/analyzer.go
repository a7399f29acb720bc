package patterns

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmfontan/casia/internal/routines"
)

// Pattern is one mined regularity in a user's behavior. Type matches
// the routine trigger vocabulary so a pattern converts directly into
// a trigger document.
type Pattern struct {
	Type       string   `json:"type"`
	Intent     string   `json:"intent,omitempty"`
	Action     string   `json:"action,omitempty"`
	Hour       int      `json:"hour,omitempty"`
	Location   string   `json:"location,omitempty"`
	DeviceType string   `json:"device_type,omitempty"`
	Sequence   []string `json:"sequence,omitempty"`
	Frequency  int      `json:"frequency"`
	Confidence float64  `json:"confidence"`
}

// sequenceWindow bounds how far apart two events can be and still
// count as a sequence.
const sequenceWindow = 5 * time.Minute

// Analyzer mines context events and materializes suggestions as
// unconfirmed routines.
type Analyzer struct {
	events   *EventStore
	routines *routines.Store
	logger   *slog.Logger
}

// NewAnalyzer wires an analyzer over the event and routine stores.
func NewAnalyzer(events *EventStore, rs *routines.Store, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{events: events, routines: rs, logger: logger}
}

// AnalyzeUser runs all four detectors over the user's event history.
func (a *Analyzer) AnalyzeUser(userID int64) ([]Pattern, error) {
	events, err := a.events.EventsForUser(userID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	var out []Pattern
	out = append(out, timePatterns(events)...)
	out = append(out, locationPatterns(events)...)
	out = append(out, sequencePatterns(events)...)
	repeated, err := a.repeatedActionPatterns(userID, events)
	if err != nil {
		return nil, err
	}
	out = append(out, repeated...)
	return out, nil
}

// timePatterns groups each intent's events by hour of day. A bucket
// with at least two hits becomes a time pattern whose confidence is
// the bucket's share of that intent's events.
func timePatterns(events []ContextEvent) []Pattern {
	byIntent := make(map[string][]ContextEvent)
	var intents []string
	for _, ev := range events {
		if ev.Intent == "" {
			continue
		}
		if _, seen := byIntent[ev.Intent]; !seen {
			intents = append(intents, ev.Intent)
		}
		byIntent[ev.Intent] = append(byIntent[ev.Intent], ev)
	}

	var out []Pattern
	for _, intent := range intents {
		evs := byIntent[intent]
		hours := make(map[int]int)
		for _, ev := range evs {
			hours[ev.Hour]++
		}
		var hourKeys []int
		for h := range hours {
			hourKeys = append(hourKeys, h)
		}
		sort.Ints(hourKeys)
		for _, h := range hourKeys {
			count := hours[h]
			if count < 2 {
				continue
			}
			conf := float64(count) / float64(len(evs))
			if conf > 1 {
				conf = 1
			}
			out = append(out, Pattern{
				Type:       routines.TriggerTimeBased,
				Intent:     intent,
				Hour:       h,
				Frequency:  count,
				Confidence: conf,
			})
		}
	}
	return out
}

// locationPatterns finds device types the user keeps addressing in
// the same location. The dominant intent becomes the pattern's
// action, first-seen winning ties.
func locationPatterns(events []ContextEvent) []Pattern {
	type key struct{ deviceType, location string }
	groups := make(map[key][]ContextEvent)
	perDevice := make(map[string]int)
	var keys []key
	for _, ev := range events {
		if ev.DeviceType == "" || ev.Location == "" {
			continue
		}
		k := key{ev.DeviceType, ev.Location}
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
		perDevice[ev.DeviceType]++
	}

	var out []Pattern
	for _, k := range keys {
		evs := groups[k]
		if len(evs) < 2 {
			continue
		}
		counts := make(map[string]int)
		best, bestCount := "", 0
		for _, ev := range evs {
			counts[ev.Intent]++
			if counts[ev.Intent] > bestCount {
				best, bestCount = ev.Intent, counts[ev.Intent]
			}
		}
		out = append(out, Pattern{
			Type:       routines.TriggerContextBased,
			Location:   k.location,
			DeviceType: k.deviceType,
			Action:     best,
			Frequency:  len(evs),
			Confidence: float64(len(evs)) / float64(perDevice[k.deviceType]),
		})
	}
	return out
}

// sequencePatterns counts intent pairs that happen back to back
// within the sliding window.
func sequencePatterns(events []ContextEvent) []Pattern {
	pairs := make(map[[2]string]int)
	var order [][2]string
	total := 0
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.Intent == "" || cur.Intent == "" {
			continue
		}
		if cur.Timestamp.Sub(prev.Timestamp) > sequenceWindow {
			continue
		}
		total++
		p := [2]string{prev.Intent, cur.Intent}
		if _, seen := pairs[p]; !seen {
			order = append(order, p)
		}
		pairs[p]++
	}

	var out []Pattern
	for _, p := range order {
		count := pairs[p]
		if count < 2 {
			continue
		}
		out = append(out, Pattern{
			Type:       routines.TriggerEventBased,
			Sequence:   []string{p[0], p[1]},
			Intent:     p[0],
			Frequency:  count,
			Confidence: float64(count) / float64(total),
		})
	}
	return out
}

// repeatedActionPatterns groups by (intent, action, hour) and skips
// keys the user already automated with a confirmed routine.
func (a *Analyzer) repeatedActionPatterns(userID int64, events []ContextEvent) ([]Pattern, error) {
	type key struct {
		intent, action string
		hour           int
	}
	groups := make(map[key][]ContextEvent)
	var keys []key
	for _, ev := range events {
		if ev.Intent == "" || ev.Action == "" {
			continue
		}
		k := key{ev.Intent, ev.Action, ev.Hour}
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
	}

	var out []Pattern
	for _, k := range keys {
		evs := groups[k]
		if len(evs) < 3 {
			continue
		}
		covered, err := a.routines.ConfirmedActionExists(userID, k.intent, k.hour)
		if err != nil {
			return nil, err
		}
		if covered {
			continue
		}
		out = append(out, Pattern{
			Type:       "action_based",
			Intent:     k.intent,
			Action:     k.action,
			Hour:       k.hour,
			DeviceType: evs[0].DeviceType,
			Location:   evs[0].Location,
			Frequency:  len(evs),
			Confidence: float64(len(evs)) / float64(len(events)),
		})
	}
	return out, nil
}

// SuggestRoutines converts time and location patterns at or above
// min confidence into unconfirmed, disabled routines. Patterns whose
// trigger the user already has are skipped.
func (a *Analyzer) SuggestRoutines(userID int64, minConfidence float64) ([]*routines.Routine, error) {
	events, err := a.events.EventsForUser(userID)
	if err != nil {
		return nil, err
	}

	candidates := append(timePatterns(events), locationPatterns(events)...)

	var created []*routines.Routine
	for _, p := range candidates {
		if p.Confidence < minConfidence {
			continue
		}
		trigger := p.triggerDoc()
		exists, err := a.routines.TriggerExists(userID, trigger)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		r := &routines.Routine{
			UserID:      userID,
			Name:        routines.SuggestionName(trigger),
			Description: fmt.Sprintf("Sugerida tras %d observaciones", p.Frequency),
			Trigger:     trigger,
			Confidence:  p.Confidence,
			Actions:     suggestedActions(events, p),
		}
		if err := a.routines.Create(r); err != nil {
			a.logger.Error("suggestion creation failed", "user_id", userID, "error", err)
			continue
		}
		a.logger.Info("routine suggested", "user_id", userID, "routine", r.Name, "confidence", p.Confidence)
		created = append(created, r)
	}
	return created, nil
}

func (p Pattern) triggerDoc() map[string]any {
	switch p.Type {
	case routines.TriggerTimeBased:
		return map[string]any{
			"type":   routines.TriggerTimeBased,
			"hour":   fmt.Sprintf("%02d:00", p.Hour),
			"intent": p.Intent,
		}
	case routines.TriggerContextBased:
		return map[string]any{
			"type":        routines.TriggerContextBased,
			"location":    p.Location,
			"device_type": p.DeviceType,
			"action":      p.Action,
		}
	}
	return map[string]any{"type": p.Type}
}

// suggestedActions picks the command the pattern's events actually
// ran, so confirming the suggestion reproduces the observed behavior.
func suggestedActions(events []ContextEvent, p Pattern) []string {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, ev := range events {
		if ev.Action == "" {
			continue
		}
		switch p.Type {
		case routines.TriggerTimeBased:
			if ev.Intent != p.Intent || ev.Hour != p.Hour {
				continue
			}
		case routines.TriggerContextBased:
			if ev.DeviceType != p.DeviceType || ev.Location != p.Location {
				continue
			}
		}
		counts[ev.Action]++
		if counts[ev.Action] > bestCount {
			best, bestCount = ev.Action, counts[ev.Action]
		}
	}
	switch {
	case best == "":
		return nil
	case strings.HasPrefix(best, routines.ActionMQTTPrefix), strings.HasPrefix(best, routines.ActionTTSPrefix):
		return []string{best}
	case strings.HasPrefix(best, "iot_command:"):
		// The raw form is iot_command:<name>:<topic>,<payload>; the
		// routine action drops the name.
		if _, rest, ok := strings.Cut(strings.TrimPrefix(best, "iot_command:"), ":"); ok {
			return []string{routines.ActionMQTTPrefix + rest}
		}
	}
	return nil
}
