package markers

import (
	"regexp"
	"strings"

	"github.com/jmfontan/casia/internal/devctx"
	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/store"
)

// negationPattern matches Spanish negations as whole words against
// the lower-cased prompt.
var negationPattern = regexp.MustCompile(`(?i)\b(no|nunca|jam[aá]s|tampoco|ni|nada de|deja de|para de|cancela|olvida(?:lo)?)\b`)

// HasNegation reports whether the prompt contains a negation phrase.
// A negated prompt disables every side-effecting marker in the reply.
func HasNegation(prompt string) bool {
	return negationPattern.MatchString(strings.ToLower(prompt))
}

// deviceWords maps Spanish device nouns to topic categories.
var deviceWords = map[string]string{
	"luz":         "lights",
	"luces":       "lights",
	"lámpara":     "lights",
	"lampara":     "lights",
	"puerta":      "doors",
	"puertas":     "doors",
	"persiana":    "actuators",
	"persianas":   "actuators",
	"clima":       "hvac",
	"calefacción": "hvac",
	"calefaccion": "hvac",
	"aire":        "hvac",
	"alarma":      "security",
	"cámara":      "security",
	"camara":      "security",
	"enchufe":     "power",
	"televisión":  "media",
	"television":  "media",
	"tele":        "media",
}

// typeLabels are the human labels used in clarification questions.
var typeLabels = map[string]string{
	"lights":     "Luz",
	"doors":      "Puerta",
	"actuators":  "Persiana",
	"hvac":       "Clima",
	"security":   "Alarma",
	"power":      "Enchufe",
	"media":      "Tele",
	"sensors":    "Sensor",
	"appliances": "Aparato",
}

// clarifyAmbiguity returns a clarification question when the prompt
// names a device type the house has in several locations without
// saying which one. An empty return means not ambiguous.
func (p *Processor) clarifyAmbiguity(prompt string) string {
	if devctx.MentionsLocation(prompt) {
		return ""
	}

	category := ""
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?¿¡\"'")
		if c, ok := deviceWords[w]; ok {
			category = c
			break
		}
	}
	if category == "" {
		return ""
	}

	states, err := p.db.ListDeviceStates()
	if err != nil {
		p.logger.Error("device state listing failed", "error", err)
		return ""
	}

	var locations []string
	seen := make(map[string]bool)
	for _, ds := range states {
		if ds.DeviceType != category {
			continue
		}
		loc := locationFromDeviceName(ds.DeviceName)
		if loc == "" || seen[loc] {
			continue
		}
		seen[loc] = true
		locations = append(locations, loc)
	}
	if len(locations) < 2 {
		return ""
	}

	label := typeLabels[category]
	if label == "" {
		label = category
	}

	var sb strings.Builder
	sb.WriteString("¿A cuál te refieres? Tengo ")
	sb.WriteString(label)
	sb.WriteString(" en ")
	for i, loc := range locations {
		switch {
		case i == 0:
		case i == len(locations)-1:
			sb.WriteString(" y en ")
		default:
			sb.WriteString(", en ")
		}
		sb.WriteString(loc)
	}
	sb.WriteString(".")
	return sb.String()
}

// locationFromDeviceName derives a display location from the device
// id suffix, LIGHT_SALA -> "Sala". Single-segment names have no
// location.
func locationFromDeviceName(name string) string {
	i := strings.LastIndex(name, "_")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	seg := strings.ToLower(name[i+1:])
	return strings.ToUpper(seg[:1]) + seg[1:]
}

// Authorized reports whether the user may publish to the topic.
// Unguarded topics are open to everyone.
func Authorized(u *store.User, topic string) bool {
	perm := requiredPermission(topic)
	return perm == "" || u.HasPermission(perm)
}

// requiredPermission maps a command topic to the permission guarding
// it. System topics and unknown categories are unguarded.
func requiredPermission(topic string) string {
	t, ok := iot.ParseTopic(topic)
	if !ok || t.System {
		return ""
	}
	switch t.Category {
	case "lights":
		return "light.toggle"
	case "doors":
		return "door.toggle"
	case "actuators":
		return "actuator.toggle"
	case "hvac":
		return "climate.set"
	case "security":
		return "security.control"
	case "media":
		return "media.control"
	case "appliances":
		return "appliance.control"
	case "power":
		return "power.toggle"
	}
	return ""
}

func deviceTypeOf(topic string) string {
	return devctx.DeviceTypeFromTopic(topic)
}

func locationOf(prompt, topic string) string {
	if loc := devctx.LocationIn(prompt); loc != "" {
		return loc
	}
	t, ok := iot.ParseTopic(topic)
	if !ok {
		return ""
	}
	return strings.ToLower(locationFromDeviceName(t.DeviceID))
}

// intentVerbs maps conjugated Spanish command verbs to their
// infinitive tag.
var intentVerbs = map[string]string{
	"enciende": "encender", "enciendas": "encender", "encender": "encender", "encended": "encender",
	"apaga": "apagar", "apagues": "apagar", "apagar": "apagar",
	"abre": "abrir", "abras": "abrir", "abrir": "abrir",
	"cierra": "cerrar", "cierres": "cerrar", "cerrar": "cerrar",
	"sube": "subir", "subir": "subir",
	"baja": "bajar", "bajar": "bajar",
	"pon": "poner", "poner": "poner",
	"activa": "activar", "activar": "activar",
	"desactiva": "desactivar", "desactivar": "desactivar",
}

// deriveIntent builds an intent tag like "encender_luz" from the
// prompt's verb and the executed command's device type.
func deriveIntent(prompt, deviceType string) string {
	verb := ""
	for _, w := range strings.Fields(strings.ToLower(prompt)) {
		w = strings.Trim(w, ".,;:!?¿¡\"'")
		if v, ok := intentVerbs[w]; ok {
			verb = v
			break
		}
	}
	if verb == "" {
		return ""
	}
	if deviceType == "" || deviceType == "desconocido" {
		return verb
	}
	return verb + "_" + deviceType
}
