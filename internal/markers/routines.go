package markers

import (
	"context"
	"strings"

	"github.com/jmfontan/casia/internal/store"
)

// handleRoutineRequest recognizes "ejecuta la rutina X" and "lista
// mis rutinas" in the user's prompt. A recognized request
// short-circuits the rest of the marker pipeline.
func (p *Processor) handleRoutineRequest(ctx context.Context, user *store.User, prompt string) (bool, string) {
	if p.routines == nil {
		return false, ""
	}

	if m := executeRoutineRe.FindStringSubmatch(prompt); m != nil {
		return true, p.executeByName(ctx, user, strings.TrimSpace(m[1]))
	}
	if listRoutinesRe.MatchString(prompt) {
		return true, p.listForUser(user)
	}
	return false, ""
}

func (p *Processor) executeByName(ctx context.Context, user *store.User, name string) string {
	rs, err := p.routines.ListByUser(user.ID, false, false)
	if err != nil {
		p.logger.Error("routine listing failed", "user_id", user.ID, "error", err)
		return "No pude consultar tus rutinas."
	}

	want := strings.ToLower(name)
	for _, r := range rs {
		if strings.ToLower(r.Name) != want {
			continue
		}
		if p.runner == nil {
			return "No puedo ejecutar rutinas ahora mismo."
		}
		if err := p.runner.Execute(ctx, r.ID); err != nil {
			p.logger.Error("manual routine execution failed", "routine", r.Name, "error", err)
			return "No pude ejecutar la rutina '" + r.Name + "'."
		}
		return "Rutina '" + r.Name + "' ejecutada."
	}
	return "No encontré ninguna rutina llamada '" + name + "'."
}

func (p *Processor) listForUser(user *store.User) string {
	rs, err := p.routines.ListByUser(user.ID, false, false)
	if err != nil {
		p.logger.Error("routine listing failed", "user_id", user.ID, "error", err)
		return "No pude consultar tus rutinas."
	}
	if len(rs) == 0 {
		return "No tienes ninguna rutina todavía."
	}

	var sb strings.Builder
	sb.WriteString("Tienes estas rutinas: ")
	for i, r := range rs {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(r.Name)
		switch {
		case !r.Confirmed:
			sb.WriteString(" (sugerida)")
		case !r.Enabled:
			sb.WriteString(" (desactivada)")
		}
	}
	sb.WriteString(".")
	return sb.String()
}
