// Package music dispatches music markers produced by the language
// model to an external playback backend. Only the integration
// contract lives here; playback itself is out of process.
package music

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Player is the playback backend contract. Play blocks until
// extraction finishes and playback has started; the rest are
// synchronous controls.
type Player interface {
	Play(ctx context.Context, query string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, level int) error
}

type playLogger interface {
	AppendMusicPlay(userID int64, action, params string) error
}

// markerPattern matches every music marker shape in one pass. The
// parameter group is everything after the colon up to end of line.
var markerPattern = regexp.MustCompile(`music_(play|pause|resume|stop|volume)(?::[ \t]*([^\n]*))?`)

// Handler finds music markers in a reply, drives the player, and
// replaces each marker with a short human confirmation.
type Handler struct {
	player Player
	log    playLogger
	logger *slog.Logger
}

// NewHandler wires a music handler. player may be nil when the music
// module is disabled; markers are then replaced with an apology.
func NewHandler(player Player, log playLogger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{player: player, log: log, logger: logger}
}

// Process executes every music marker in reply, in order. It returns
// the reply with markers replaced and one "music:<action>:<params>"
// audit string for the last marker handled, or "" when none matched.
func (h *Handler) Process(ctx context.Context, userID int64, reply string) (string, string) {
	var audit string
	out := markerPattern.ReplaceAllStringFunc(reply, func(marker string) string {
		m := markerPattern.FindStringSubmatch(marker)
		action, params := m[1], strings.TrimSpace(m[2])

		confirmation, ok := h.dispatch(ctx, action, params)
		if !ok {
			return confirmation
		}

		audit = "music:" + action
		if params != "" {
			audit += ":" + params
		}
		if h.log != nil {
			if err := h.log.AppendMusicPlay(userID, action, params); err != nil {
				h.logger.Error("music log append failed", "error", err)
			}
		}
		return confirmation
	})
	return out, audit
}

func (h *Handler) dispatch(ctx context.Context, action, params string) (string, bool) {
	if h.player == nil {
		return "Lo siento, la música no está disponible ahora mismo.", false
	}

	var err error
	var confirmation string
	switch action {
	case "play":
		if params == "" {
			return "¿Qué quieres escuchar?", false
		}
		err = h.player.Play(ctx, params)
		confirmation = fmt.Sprintf("Reproduciendo %s.", params)
	case "pause":
		err = h.player.Pause(ctx)
		confirmation = "Música en pausa."
	case "resume":
		err = h.player.Resume(ctx)
		confirmation = "Reanudando la música."
	case "stop":
		err = h.player.Stop(ctx)
		confirmation = "Música detenida."
	case "volume":
		level, convErr := strconv.Atoi(params)
		if convErr != nil || level < 0 || level > 100 {
			return "El volumen debe estar entre 0 y 100.", false
		}
		err = h.player.SetVolume(ctx, level)
		confirmation = fmt.Sprintf("Volumen al %d%%.", level)
	default:
		return "", false
	}

	if err != nil {
		h.logger.Error("music action failed", "action", action, "error", err)
		return "No pude controlar la música.", false
	}
	return confirmation, true
}
