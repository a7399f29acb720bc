package markers

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/store"
	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	published []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, topic+"="+string(payload))
	return nil
}

type testEnv struct {
	db    *store.Store
	reg   *registry.Store
	bus   *fakePublisher
	proc  *Processor
	alice *store.User
}

func setupTestProcessor(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}

	core, err := store.New(db)
	if err != nil {
		t.Fatalf("core store: %v", err)
	}
	reg, err := registry.New(db, time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	bus := &fakePublisher{}
	exec := iot.NewExecutor(reg, bus, core, time.Second, testLogger())
	proc := New(core, reg, exec, nil, nil, nil, testLogger())

	alice, err := core.CreateUser("Alice", false, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := core.GrantPermission(alice.ID, "light.toggle"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	alice, _ = core.GetUser(alice.ID)

	return &testEnv{db: core, reg: reg, bus: bus, proc: proc, alice: alice}
}

func registerLivingRoomLight(t *testing.T, env *testEnv) {
	t.Helper()
	err := env.reg.Create(&registry.Command{
		Name:    "LIGHT_LIVING_ROOM_ON",
		Kind:    "mqtt",
		Topic:   "iot/lights/LIGHT_LIVING_ROOM/command",
		Payload: "ON",
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
}

func TestProcessExecutesIoTCommand(t *testing.T) {
	env := setupTestProcessor(t)
	registerLivingRoomLight(t, env)

	res := env.proc.Process(context.Background(), env.alice,
		"enciende la luz del salón",
		"Claro. iot_command:LIGHT_LIVING_ROOM_ON:iot/lights/LIGHT_LIVING_ROOM/command,ON")

	if res.Reply != "Claro. Comando MQTT 'LIGHT_LIVING_ROOM_ON' ejecutado." {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(env.bus.published) != 1 || env.bus.published[0] != "iot/lights/LIGHT_LIVING_ROOM/command=ON" {
		t.Errorf("published = %v", env.bus.published)
	}
	if res.Command == "" {
		t.Error("expected the raw command to be recorded")
	}
	if res.Intent != "encender_luz" {
		t.Errorf("intent = %q, want 'encender_luz'", res.Intent)
	}

	// The optimistic device state update landed.
	ds, err := env.db.GetDeviceState("LIGHT_LIVING_ROOM")
	if err != nil || ds == nil {
		t.Fatalf("device state = %v, %v", ds, err)
	}
	if string(ds.State) != `{"status":"ON"}` {
		t.Errorf("state = %s", ds.State)
	}
}

func TestProcessNegationSuppressesCommands(t *testing.T) {
	env := setupTestProcessor(t)
	registerLivingRoomLight(t, env)

	res := env.proc.Process(context.Background(), env.alice,
		"No enciendas nada",
		"Entendido. iot_command:LIGHT_LIVING_ROOM_ON:iot/lights/LIGHT_LIVING_ROOM/command,ON")

	if res.Reply != "Entendido." {
		t.Errorf("reply = %q, want 'Entendido.'", res.Reply)
	}
	if len(env.bus.published) != 0 {
		t.Errorf("published = %v, want nothing", env.bus.published)
	}
	if res.Command != "" {
		t.Errorf("command = %q, want empty", res.Command)
	}
}

func TestProcessPreferenceSet(t *testing.T) {
	env := setupTestProcessor(t)

	res := env.proc.Process(context.Background(), env.alice,
		"me gusta la temperatura a 22 grados",
		"Anotado. preference_set: temperature|22")

	if res.Reply != "Anotado." {
		t.Errorf("reply = %q, want 'Anotado.'", res.Reply)
	}
	if res.PreferenceKey != "temperature" || res.PreferenceValue != "22" {
		t.Errorf("preference = %q=%q, want temperature=22", res.PreferenceKey, res.PreferenceValue)
	}

	prefs, err := env.db.GetPreferences(env.alice.ID)
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if prefs["temperature"] != "22" {
		t.Errorf("stored temperature = %q, want '22'", prefs["temperature"])
	}
}

func TestProcessAmbiguityClarification(t *testing.T) {
	env := setupTestProcessor(t)
	registerLivingRoomLight(t, env)

	if err := env.db.UpsertDeviceState("LIGHT_SALA", "lights", map[string]any{"status": "OFF"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := env.db.UpsertDeviceState("LIGHT_COCINA", "lights", map[string]any{"status": "OFF"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	res := env.proc.Process(context.Background(), env.alice,
		"enciende la luz",
		"Claro. iot_command:LIGHT_LIVING_ROOM_ON:iot/lights/LIGHT_LIVING_ROOM/command,ON")

	if res.Reply != "¿A cuál te refieres? Tengo Luz en Cocina y en Sala." {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(env.bus.published) != 0 {
		t.Errorf("published = %v, want nothing until clarified", env.bus.published)
	}

	// Naming the location resolves the ambiguity.
	res = env.proc.Process(context.Background(), env.alice,
		"enciende la luz de la sala",
		"Claro. iot_command:LIGHT_LIVING_ROOM_ON:iot/lights/LIGHT_LIVING_ROOM/command,ON")
	if len(env.bus.published) != 1 {
		t.Errorf("published = %v, want the command to run", env.bus.published)
	}
	if res.Location != "sala" {
		t.Errorf("location = %q, want 'sala'", res.Location)
	}
}

func TestProcessPermissionDenied(t *testing.T) {
	env := setupTestProcessor(t)

	err := env.reg.Create(&registry.Command{
		Name:    "DOOR_MAIN_OPEN",
		Kind:    "mqtt",
		Topic:   "iot/doors/DOOR_MAIN/command",
		Payload: "OPEN",
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}

	// Alice holds light.toggle only.
	res := env.proc.Process(context.Background(), env.alice,
		"abre la puerta principal",
		"Claro. iot_command:DOOR_MAIN_OPEN:iot/doors/DOOR_MAIN/command,OPEN")

	if res.Reply != "Claro. Lo siento, no tienes permiso para hacer eso." {
		t.Errorf("reply = %q", res.Reply)
	}
	if len(env.bus.published) != 0 {
		t.Errorf("published = %v, want nothing", env.bus.published)
	}
}

func TestProcessUnknownCommand(t *testing.T) {
	env := setupTestProcessor(t)

	res := env.proc.Process(context.Background(), env.alice,
		"enciende la lámpara del pasillo",
		"iot_command:LIGHT_PASILLO_ON:iot/lights/LIGHT_PASILLO/command,ON")

	if res.Reply != "No conozco ese comando." {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestProcessMemorySearch(t *testing.T) {
	env := setupTestProcessor(t)

	if err := env.db.AppendConversation(env.alice.ID, "enciende la luz de la sala", "hecho", "Alice"); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	res := env.proc.Process(context.Background(), env.alice,
		"¿qué te pedí sobre la luz?",
		"memory_search: luz")

	if res.Reply == "No encontré información." {
		t.Errorf("reply = %q, want a found record", res.Reply)
	}
	if !strings.Contains(res.Reply, `"enciende la luz de la sala"`) {
		t.Errorf("reply = %q, want it to quote the stored prompt", res.Reply)
	}

	res = env.proc.Process(context.Background(), env.alice,
		"¿hablamos de delfines?",
		"memory_search: delfines")
	if res.Reply != "No encontré información." {
		t.Errorf("reply = %q, want 'No encontré información.'", res.Reply)
	}
}

func TestProcessNameChange(t *testing.T) {
	env := setupTestProcessor(t)

	res := env.proc.Process(context.Background(), env.alice,
		"llámame Ali",
		"name_change: Ali")

	if res.Reply != "Perfecto, a partir de ahora te llamaré Ali." {
		t.Errorf("reply = %q", res.Reply)
	}
	if res.UserName != "Ali" {
		t.Errorf("user name = %q, want 'Ali'", res.UserName)
	}

	u, err := env.db.GetUser(env.alice.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.Name != "Ali" {
		t.Errorf("stored name = %q, want 'Ali'", u.Name)
	}
}

func TestProcessStripsStrayMarkers(t *testing.T) {
	env := setupTestProcessor(t)

	// A preference marker without a value separator is malformed; it
	// is stripped instead of stored.
	res := env.proc.Process(context.Background(), env.alice,
		"hola",
		"Hola. preference_set: solo_clave")

	if res.Reply != "Hola." {
		t.Errorf("reply = %q, want 'Hola.'", res.Reply)
	}
	prefs, _ := env.db.GetPreferences(env.alice.ID)
	if len(prefs) != 0 {
		t.Errorf("prefs = %v, want none stored", prefs)
	}
}

func TestHasNegation(t *testing.T) {
	tests := []struct {
		prompt string
		want   bool
	}{
		{"No enciendas nada", true},
		{"nunca abras la puerta", true},
		{"olvídalo", false}, // accented form is not a listed negation word
		{"olvidalo", true},
		{"enciende la luz", false},
		{"pon el noticiero", false}, // "no" must be a whole word
	}
	for _, tt := range tests {
		if got := HasNegation(tt.prompt); got != tt.want {
			t.Errorf("HasNegation(%q) = %v, want %v", tt.prompt, got, tt.want)
		}
	}
}

func TestDeriveIntent(t *testing.T) {
	tests := []struct {
		prompt, deviceType, want string
	}{
		{"enciende la luz", "luz", "encender_luz"},
		{"apaga la luz", "luz", "apagar_luz"},
		{"abre la puerta", "puerta", "abrir_puerta"},
		{"enciende la luz", "", "encender"},
		{"¿qué hora es?", "luz", ""},
	}
	for _, tt := range tests {
		if got := deriveIntent(tt.prompt, tt.deviceType); got != tt.want {
			t.Errorf("deriveIntent(%q, %q) = %q, want %q", tt.prompt, tt.deviceType, got, tt.want)
		}
	}
}

func TestRequiredPermission(t *testing.T) {
	tests := []struct {
		topic, want string
	}{
		{"iot/lights/LIGHT_SALA/command", "light.toggle"},
		{"iot/doors/DOOR_MAIN/command", "door.toggle"},
		{"iot/hvac/AC_SALA/command", "climate.set"},
		{"iot/system/confirmations", ""},
		{"not/a/topic", ""},
	}
	for _, tt := range tests {
		if got := requiredPermission(tt.topic); got != tt.want {
			t.Errorf("requiredPermission(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}
