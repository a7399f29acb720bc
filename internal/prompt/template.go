// Package prompt builds the system prompt from a modular YAML template
// plus live request context.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is the modular prompt document. Sections are concatenated
// in a fixed order; two of them are placeholders filled per request.
type Template struct {
	Identity                           string `yaml:"identity"`
	AvailableCommands                  string `yaml:"available_commands"`
	TheAlgorithm                       string `yaml:"the_algorithm"`
	Examples                           string `yaml:"examples"`
	GoldenRule                         string `yaml:"golden_rule"`
	IntentDetection                    string `yaml:"intent_detection"`
	DeviceContext                      string `yaml:"device_context"`
	ScheduledRoutinesHeader            string `yaml:"scheduled_routines_header"`
	RoutineCreationInstructionsContent string `yaml:"routine_creation_instructions_content"`
}

// sectionOrder fixes the concatenation order of the template.
func (t *Template) sections() []string {
	return []string{
		t.Identity,
		t.AvailableCommands,
		t.TheAlgorithm,
		t.Examples,
		t.GoldenRule,
		t.IntentDetection,
		t.DeviceContext,
		t.ScheduledRoutinesHeader,
		"{scheduled_routines_info}",
		"{routine_creation_instructions}",
		t.RoutineCreationInstructionsContent,
	}
}

// Text returns the concatenated template with placeholders intact.
func (t *Template) Text() string {
	var sb strings.Builder
	for _, s := range t.sections() {
		if s == "" {
			continue
		}
		sb.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// LoadTemplate reads the YAML prompt document from disk.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	t := &Template{}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return t, nil
}

// DefaultTemplate returns a minimal built-in template used when no
// prompt file exists on disk.
func DefaultTemplate() *Template {
	return &Template{
		Identity: "Eres {assistant_name}, un asistente de hogar por voz. Responde siempre en {language}.\n" +
			"Hablas con {user_name} (propietario: {is_owner}). Permisos: {permissions}.\n" +
			"Fecha y hora: {current_datetime} ({timezone}, {country}).\n" +
			"Última interacción: {last_interaction}.\n",
		AvailableCommands: "Comandos IoT disponibles:\n{iot_commands}\n" +
			"Estados actuales de dispositivos: {device_states}\n" +
			"Preferencias del usuario:\n{preferences}\n",
		TheAlgorithm: "Cuando el usuario pida una acción sobre un dispositivo, añade al final de tu " +
			"respuesta un marcador iot_command:<nombre>:<topic>,<payload> o mqtt_publish:<topic>,<payload>.\n" +
			"Para guardar una preferencia usa preference_set:<clave>|<valor>. " +
			"Para buscar en la memoria usa memory_search: <consulta>. " +
			"Para cambiar el nombre del usuario usa name_change: <nombre>. " +
			"Para música usa music_play:<consulta>, music_pause, music_resume, music_stop o music_volume:<0-100>.\n",
		GoldenRule:    "Nunca ejecutes un comando si el usuario lo niega o lo prohíbe.\n",
		DeviceContext: "{search_results}\n{conversation_history}\n",
	}
}
