// Package devctx keeps a short-lived per-user memory of the last
// referenced device so anaphora like "apágala" can be resolved against
// the device the user just talked about.
package devctx

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a context entry stays usable.
const DefaultTTL = 5 * time.Minute

// Context is the remembered device reference for one user. Not
// persisted; it dies with the process.
type Context struct {
	DeviceName string
	DeviceType string
	Location   string
	LastUsed   time.Time
}

// Tracker holds per-user device contexts behind a mutex. Entries
// expire after the TTL; an expired read clears the slot.
type Tracker struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]Context
}

// New creates a tracker. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, m: make(map[int64]Context)}
}

// referenceWords are the pronouns and demonstratives that signal the
// user is pointing back at a previously mentioned device.
var referenceWords = []string{
	"lo", "la", "los", "las",
	"eso", "esa", "ese", "esos", "esas",
	"esto", "esta", "este",
	"aquello", "aquella", "aquel",
	"ahí", "allí", "mismo", "misma",
}

// Known locations, matched case-insensitively as whole words.
var locationPattern = regexp.MustCompile(`(?i)\b(sala|cocina|dormitorio|habitaci[oó]n|ba[nñ]o|garaje|jard[ií]n|oficina|comedor|entrada|pasillo|terraza|s[oó]tano)\b`)

// Enhance appends a bracketed context hint to prompt when the user's
// unexpired context exists, the prompt contains a reference word, and
// no explicit location is mentioned. Otherwise the prompt is returned
// unchanged.
func (t *Tracker) Enhance(userID int64, prompt string) string {
	ctx, ok := t.Get(userID)
	if !ok {
		return prompt
	}
	if !containsReference(prompt) {
		return prompt
	}
	if locationPattern.MatchString(prompt) {
		return prompt
	}
	return fmt.Sprintf("%s [Previous context: was about the %s in %s. If the user says \"it\" or similar, probably means that.]",
		prompt, ctx.DeviceType, ctx.Location)
}

// Update records the device referenced by an executed command. The
// device name is the third segment of the command topic, the type is
// inferred from the category segment, and the location comes from the
// prompt when one is mentioned.
func (t *Tracker) Update(userID int64, prompt, topic string) {
	name := deviceNameFromTopic(topic)
	if name == "" {
		return
	}

	location := "desconocida"
	if m := locationPattern.FindString(prompt); m != "" {
		location = strings.ToLower(m)
	}

	t.mu.Lock()
	t.m[userID] = Context{
		DeviceName: name,
		DeviceType: DeviceTypeFromTopic(topic),
		Location:   location,
		LastUsed:   time.Now(),
	}
	t.mu.Unlock()
}

// Get returns the unexpired context for a user. Reading an expired
// entry clears the slot.
func (t *Tracker) Get(userID int64) (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.m[userID]
	if !ok {
		return Context{}, false
	}
	if time.Since(ctx.LastUsed) > t.ttl {
		delete(t.m, userID)
		return Context{}, false
	}
	return ctx, true
}

// Clear removes the context for a user.
func (t *Tracker) Clear(userID int64) {
	t.mu.Lock()
	delete(t.m, userID)
	t.mu.Unlock()
}

// MentionsLocation reports whether the prompt names a known location.
func MentionsLocation(prompt string) bool {
	return locationPattern.MatchString(prompt)
}

// LocationIn returns the first known location named in the prompt,
// lower-cased, or "".
func LocationIn(prompt string) string {
	return strings.ToLower(locationPattern.FindString(prompt))
}

func containsReference(prompt string) bool {
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?¿¡\"'")
		for _, ref := range referenceWords {
			if w == ref {
				return true
			}
		}
	}
	return false
}

// DeviceTypeFromTopic infers a human device type from the category
// segment of an iot/<category>/<DEVICE_ID>/command topic.
func DeviceTypeFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return "desconocido"
	}
	category := strings.ToLower(parts[1])
	switch {
	case strings.HasPrefix(category, "light"):
		return "luz"
	case strings.HasPrefix(category, "door"):
		return "puerta"
	case strings.HasPrefix(category, "actuator"):
		return "actuador"
	case strings.HasPrefix(category, "climate"), strings.HasPrefix(category, "hvac"):
		return "clima"
	default:
		return "desconocido"
	}
}

func deviceNameFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
