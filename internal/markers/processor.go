// Package markers turns the structured tokens in an LLM reply into
// side effects: IoT publishes, preference writes, history searches,
// renames, music control, and routine execution. The order of the
// processing steps is fixed; reordering them changes user-visible
// behavior.
package markers

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/music"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/routines"
	"github.com/jmfontan/casia/internal/store"
)

// Result is what one pass over a reply produced.
type Result struct {
	// Reply is the post-processed text shown to the user. No raw
	// markers remain in it.
	Reply string
	// Command is the raw extracted IoT command string, empty when no
	// command was executed.
	Command string
	// Intent is the derived intent tag, e.g. "encender_luz".
	Intent string
	// DeviceType and Location describe the addressed device when a
	// command was executed.
	DeviceType string
	Location   string
	// PreferenceKey/Value are set when a preference marker was
	// applied (the last one, when several occur).
	PreferenceKey   string
	PreferenceValue string
	// UserName is the user's display name after processing; it
	// changes when a name_change marker was applied.
	UserName string
}

// Processor applies every marker handler to a reply.
type Processor struct {
	db       *store.Store
	reg      *registry.Store
	exec     *iot.Executor
	parser   *iot.Parser
	music    *music.Handler
	routines *routines.Store
	runner   *routines.Executor
	logger   *slog.Logger
}

// New wires a processor. music may be nil when the module is
// disabled.
func New(db *store.Store, reg *registry.Store, exec *iot.Executor, mh *music.Handler,
	rs *routines.Store, runner *routines.Executor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		db:       db,
		reg:      reg,
		exec:     exec,
		parser:   iot.NewParser(),
		music:    mh,
		routines: rs,
		runner:   runner,
		logger:   logger,
	}
}

var (
	musicMarker      = regexp.MustCompile(`music_(?:play|pause|resume|stop|volume)(?::[ \t]*[^\n]*)?`)
	memorySearch     = regexp.MustCompile(`memory_search:\s*([^\n]+)`)
	nameChange       = regexp.MustCompile(`name_change:\s*([^\n]+)`)
	preferenceSet    = regexp.MustCompile(`preference_set:\s*([^|,\n]+)[|,]\s*([^\n]+)`)
	strayMarkers     = regexp.MustCompile(`(?:preference_set|memory_search|name_change):[^\n]*`)
	iotMarker        = regexp.MustCompile(`(?:iot_command|mqtt_publish):\S+`)
	executeRoutineRe = regexp.MustCompile(`(?i)\bejecutar?\s+(?:la\s+)?rutina\s+(.+?)[.!?]?\s*$`)
	listRoutinesRe   = regexp.MustCompile(`(?i)\b(?:lista|listar|muestra|mu[eé]strame|ens[eé]ñame|cu[aá]les\s+son)\b.*\brutinas\b`)
)

// Process runs the handlers over reply in order: music, routine
// requests, memory search, name change, preferences, stray-marker
// cleanup, then IoT commands. Negation in the user's prompt disables
// every side-effecting marker.
func (p *Processor) Process(ctx context.Context, user *store.User, prompt, reply string) Result {
	res := Result{UserName: user.Name}
	negated := HasNegation(prompt)

	// 1. Music.
	if negated {
		reply = strings.TrimSpace(musicMarker.ReplaceAllString(reply, ""))
	} else if p.music != nil {
		reply, _ = p.music.Process(ctx, user.ID, reply)
	} else {
		reply = strings.TrimSpace(musicMarker.ReplaceAllString(reply, ""))
	}

	// 2. Routine requests short-circuit everything else.
	if handled, out := p.handleRoutineRequest(ctx, user, prompt); handled {
		res.Reply = out
		return res
	}

	// 3. Memory search.
	reply = p.applyMemorySearch(user.ID, reply)

	// 4. Name change.
	reply, res.UserName = p.applyNameChange(user, reply)

	// 5. Preferences.
	reply, res.PreferenceKey, res.PreferenceValue = p.applyPreferences(user.ID, reply)

	// 6. Stray control markers.
	reply = strayMarkers.ReplaceAllString(reply, "")

	// 7. IoT commands.
	reply = p.applyIoT(ctx, user, prompt, reply, negated, &res)

	res.Reply = collapseSpace(reply)
	res.Intent = deriveIntent(prompt, res.DeviceType)
	return res
}

func (p *Processor) applyMemorySearch(userID int64, reply string) string {
	return memorySearch.ReplaceAllStringFunc(reply, func(marker string) string {
		query := strings.TrimSpace(memorySearch.FindStringSubmatch(marker)[1])
		entries, err := p.db.SearchHistory(userID, query, 5)
		if err != nil {
			p.logger.Error("history search failed", "query", query, "error", err)
			return "No encontré información."
		}
		if len(entries) == 0 {
			return "No encontré información."
		}
		var sb strings.Builder
		sb.WriteString("He encontrado estos registros: ")
		for i, e := range entries {
			if i > 0 {
				sb.WriteString("; ")
			}
			sb.WriteString(e.Timestamp.Format("2006-01-02 15:04"))
			sb.WriteString(" \"")
			sb.WriteString(e.Prompt)
			sb.WriteString("\"")
		}
		return sb.String()
	})
}

func (p *Processor) applyNameChange(user *store.User, reply string) (string, string) {
	name := user.Name
	out := nameChange.ReplaceAllStringFunc(reply, func(marker string) string {
		newName := strings.TrimSpace(nameChange.FindStringSubmatch(marker)[1])
		if err := p.db.RenameUser(user.ID, newName); err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return ""
			}
			p.logger.Error("rename failed", "user_id", user.ID, "error", err)
			return ""
		}
		name = newName
		return "Perfecto, a partir de ahora te llamaré " + newName + "."
	})
	return out, name
}

func (p *Processor) applyPreferences(userID int64, reply string) (out, key, value string) {
	out = preferenceSet.ReplaceAllStringFunc(reply, func(marker string) string {
		m := preferenceSet.FindStringSubmatch(marker)
		k, v := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if err := p.db.SetPreference(userID, k, v); err != nil {
			p.logger.Error("preference write failed", "key", k, "error", err)
			return ""
		}
		key, value = k, v
		return ""
	})
	return out, key, value
}

func (p *Processor) applyIoT(ctx context.Context, user *store.User, prompt, reply string, negated bool, res *Result) string {
	if !iotMarker.MatchString(reply) {
		return reply
	}
	if negated {
		return iotMarker.ReplaceAllString(reply, "")
	}

	if q := p.clarifyAmbiguity(prompt); q != "" {
		return q
	}

	raw := iotMarker.FindString(reply)
	cmd, err := p.parser.Parse(raw)
	if err != nil {
		p.logger.Warn("command parse failed", "raw", raw, "error", err)
		return iotMarker.ReplaceAllString(reply, "Error: "+err.Error())
	}

	if perm := requiredPermission(cmd.Topic); perm != "" && !user.HasPermission(perm) {
		p.logger.Info("permission denied", "user", user.Name, "permission", perm)
		return iotMarker.ReplaceAllString(reply, "Lo siento, no tienes permiso para hacer eso.")
	}

	confirmation, err := p.exec.Execute(ctx, cmd)
	if err != nil {
		p.logger.Warn("command execution failed", "command", cmd.Name, "error", err)
		return iotMarker.ReplaceAllString(reply, humanError(err))
	}

	res.Command = raw
	res.DeviceType = deviceTypeOf(cmd.Topic)
	res.Location = locationOf(prompt, cmd.Topic)
	return iotMarker.ReplaceAllString(reply, confirmation)
}

func humanError(err error) string {
	var notFound *iot.CommandNotFound
	var mismatch *iot.CommandMismatch
	var badKind *iot.UnsupportedCommandKind
	var timeout *iot.MQTTTimeout
	switch {
	case errors.As(err, &notFound):
		return "No conozco ese comando."
	case errors.As(err, &mismatch):
		return "Ese comando no coincide con el registrado."
	case errors.As(err, &badKind):
		return "Ese comando no se puede ejecutar por MQTT."
	case errors.As(err, &timeout):
		return "El dispositivo no respondió a tiempo."
	default:
		return "No pude ejecutar el comando."
	}
}

func collapseSpace(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
