package prompt

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmfontan/casia/internal/store"
)

// historyKeywords trigger conversation-history injection. Matching is
// case-insensitive substring search on the user prompt.
var historyKeywords = []string{
	"recuerda",
	"recuerdas",
	"dijiste",
	"antes",
	"anterior",
	"que me dijiste",
	"me contaste",
	"hablamos",
	"mencioné",
	"mencionaste",
}

// WantsHistory reports whether the prompt contains a history-recall
// keyword and therefore needs the conversation history section.
func WantsHistory(prompt string) bool {
	p := strings.ToLower(prompt)
	for _, kw := range historyKeywords {
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

// countryByZone maps IANA zones to the country injected into the
// prompt. Zones not listed render as "Desconocido".
var countryByZone = map[string]string{
	"Europe/Madrid":        "España",
	"America/Mexico_City":  "México",
	"America/Buenos_Aires": "Argentina",
	"America/Bogota":       "Colombia",
	"America/Santiago":     "Chile",
	"America/Lima":         "Perú",
	"America/Montevideo":   "Uruguay",
	"America/Caracas":      "Venezuela",
	"Europe/London":        "Reino Unido",
	"America/New_York":     "Estados Unidos",
}

// Country returns the country string for an IANA timezone name.
func Country(timezone string) string {
	if c, ok := countryByZone[timezone]; ok {
		return c
	}
	return "Desconocido"
}

// Input carries everything the assembler substitutes into the
// template for one request.
type Input struct {
	AssistantName   string
	Language        string
	Capabilities    []string
	CommandListing  string
	LastInteraction time.Time
	DeviceStates    []store.DeviceState
	User            *store.User
	Timezone        string
	Now             time.Time
	SearchResults   string
	History         []store.ConversationEntry
	RoutinesInfo    string
	RoutineCreation string
}

// Assembler renders system prompts from a fixed template.
type Assembler struct {
	tmpl   *Template
	logger *slog.Logger
}

// NewAssembler wraps a loaded template.
func NewAssembler(tmpl *Template, logger *slog.Logger) *Assembler {
	return &Assembler{tmpl: tmpl, logger: logger}
}

// Assemble builds the final system prompt. Every substituted value
// passes through the safe formatter; a missing placeholder is logged
// and left unrendered rather than failing the request.
func (a *Assembler) Assemble(in Input) string {
	vars := map[string]any{
		"assistant_name":                in.AssistantName,
		"language":                      in.Language,
		"capabilities":                  strings.Join(in.Capabilities, ", "),
		"iot_commands":                  in.CommandListing,
		"last_interaction":              in.LastInteraction,
		"device_states":                 deviceSnapshot(in.DeviceStates),
		"preferences":                   formatPreferences(in.User),
		"user_name":                     userName(in.User),
		"is_owner":                      isOwner(in.User),
		"permissions":                   permissions(in.User),
		"current_datetime":              in.Now.Format("2006-01-02 15:04:05"),
		"current_date":                  in.Now.Format("2006-01-02"),
		"current_time":                  in.Now.Format("15:04"),
		"timezone":                      in.Timezone,
		"country":                       Country(in.Timezone),
		"search_results":                in.SearchResults,
		"conversation_history":          formatHistory(in.History),
		"scheduled_routines_info":       in.RoutinesInfo,
		"routine_creation_instructions": in.RoutineCreation,
	}
	return Render(a.tmpl.Text(), vars, a.logger)
}

func deviceSnapshot(devices []store.DeviceState) []map[string]any {
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]any{
			"name":  d.DeviceName,
			"type":  d.DeviceType,
			"state": string(d.State),
		})
	}
	return out
}

func formatPreferences(u *store.User) string {
	if u == nil || len(u.Preferences) == 0 {
		return "(sin preferencias)"
	}
	keys := make([]string, 0, len(u.Preferences))
	for k := range u.Preferences {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, u.Preferences[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatHistory(entries []store.ConversationEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Historial reciente:\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] Usuario: %s\nAsistente: %s\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.Prompt, e.Response)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func userName(u *store.User) string {
	if u == nil {
		return "desconocido"
	}
	return u.Name
}

func isOwner(u *store.User) bool {
	return u != nil && u.IsOwner
}

func permissions(u *store.User) string {
	if u == nil || len(u.Permissions) == 0 {
		return "(ninguno)"
	}
	return strings.Join(u.Permissions, ", ")
}
