package prompt

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "hola", "hola"},
		{"int", 42, "42"},
		{"zero time", time.Time{}, "nunca"},
		{
			"time",
			time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
			"2026-08-30T10:00:00Z",
		},
		{"string slice", []string{"a", "b"}, `["a","b"]`},
		{"braces doubled", "a {b} c", "a {{b}} c"},
		{"control stripped", "uno\x00dos\ntres", "unodos\ntres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatValueMapJSON(t *testing.T) {
	got := FormatValue(map[string]any{"name": "luz"})
	if got != `{{"name":"luz"}}` {
		t.Errorf("FormatValue(map) = %q", got)
	}
}

func TestRenderSubstitutes(t *testing.T) {
	got := Render("Hola {name}, son las {hour}.", map[string]any{
		"name": "Alicia",
		"hour": "20:00",
	}, testLogger())
	if got != "Hola Alicia, son las 20:00." {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderMissingPlaceholderLeftInPlace(t *testing.T) {
	got := Render("Hola {nadie}.", map[string]any{}, testLogger())
	if got != "Hola {nadie}." {
		t.Errorf("Render = %q, want placeholder kept", got)
	}
}

func TestRenderDoubledBracesAreLiterals(t *testing.T) {
	got := Render("JSON: {{\"k\": 1}}", map[string]any{}, testLogger())
	if got != `JSON: {"k": 1}` {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderInvalidPlaceholderUntouched(t *testing.T) {
	got := Render("a {no-valid} b", map[string]any{"no": "x"}, testLogger())
	if got != "a {no-valid} b" {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderValueBracesSurvive(t *testing.T) {
	got := Render("estado: {state}", map[string]any{
		"state": map[string]any{"status": "ON"},
	}, testLogger())
	if got != `estado: {"status":"ON"}` {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderUnterminatedBrace(t *testing.T) {
	got := Render("fin {abierto", map[string]any{"abierto": "x"}, testLogger())
	if got != "fin {abierto" {
		t.Errorf("Render = %q", got)
	}
}

func TestValidPlaceholder(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"user_name", true},
		{"hora24", true},
		{"", false},
		{"con espacio", false},
		{"con-guion", false},
	}
	for _, tt := range tests {
		if got := validPlaceholder(tt.name); got != tt.want {
			t.Errorf("validPlaceholder(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestWantsHistory(t *testing.T) {
	tests := []struct {
		prompt string
		want   bool
	}{
		{"¿Recuerdas lo que te dije ayer?", true},
		{"qué me dijiste de la cena", true},
		{"enciende la luz de la sala", false},
	}
	for _, tt := range tests {
		if got := WantsHistory(tt.prompt); got != tt.want {
			t.Errorf("WantsHistory(%q) = %v, want %v", tt.prompt, got, tt.want)
		}
	}
}

func TestCountry(t *testing.T) {
	if got := Country("Europe/Madrid"); got != "España" {
		t.Errorf("Country(Europe/Madrid) = %q", got)
	}
	if got := Country("Asia/Tokyo"); got != "Desconocido" {
		t.Errorf("Country(Asia/Tokyo) = %q", got)
	}
}

func TestTemplateTextKeepsPlaceholders(t *testing.T) {
	tmpl := &Template{
		Identity:                "Eres {assistant_name}.",
		ScheduledRoutinesHeader: "Rutinas:",
	}
	text := tmpl.Text()
	if !strings.Contains(text, "{assistant_name}") {
		t.Errorf("Text() dropped identity placeholder: %q", text)
	}
	if !strings.Contains(text, "{scheduled_routines_info}") {
		t.Errorf("Text() missing routines placeholder: %q", text)
	}
	if !strings.Contains(text, "{routine_creation_instructions}") {
		t.Errorf("Text() missing creation placeholder: %q", text)
	}
}
