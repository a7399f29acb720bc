package routines

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/store"
	_ "modernc.org/sqlite"
)

type testEnv struct {
	db    *store.Store
	reg   *registry.Store
	rs    *Store
	alice *store.User
}

func setupTestStore(t *testing.T) *testEnv {
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
	rs, err := NewStore(db, reg)
	if err != nil {
		t.Fatalf("routine store: %v", err)
	}
	alice, err := core.CreateUser("Alice", false, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &testEnv{db: core, reg: reg, rs: rs, alice: alice}
}

func TestValidateTriggerBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		trigger map[string]any
		wantErr bool
	}{
		{"valid HH:MM", map[string]any{"type": "time_based", "hour": "07:30"}, false},
		{"valid integer hour", map[string]any{"type": "time_based", "hour": 7}, false},
		{"hour 24:00", map[string]any{"type": "time_based", "hour": "24:00"}, true},
		{"minute 60", map[string]any{"type": "time_based", "hour": "07:60"}, true},
		{"integer hour out of range", map[string]any{"type": "time_based", "hour": 25}, true},
		{"hour missing", map[string]any{"type": "time_based"}, true},
		{"bad date", map[string]any{"type": "time_based", "hour": "07:00", "date": "2026-13-40"}, true},
		{"context trigger", map[string]any{"type": "context_based", "location": "Sala"}, false},
		{"unknown type", map[string]any{"type": "lunar_phase"}, true},
		{"type missing", map[string]any{"hour": "07:00"}, true},
		{"nil trigger", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTrigger(tt.trigger)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && err != nil {
				if _, ok := err.(*ValidationError); !ok {
					t.Errorf("error type = %T, want *ValidationError", err)
				}
			}
		})
	}
}

func TestNormalizeTriggerCanonicalizesHour(t *testing.T) {
	trigger := map[string]any{"type": "time_based", "hour": 7}
	NormalizeTrigger(trigger)
	if trigger["hour"] != "07:00" {
		t.Errorf("hour = %v, want '07:00'", trigger["hour"])
	}

	trigger = map[string]any{"type": "time_based", "hour": "7:30"}
	NormalizeTrigger(trigger)
	if trigger["hour"] != "07:30" {
		t.Errorf("hour = %v, want '07:30'", trigger["hour"])
	}
}

func TestMatchesTimeTrigger(t *testing.T) {
	// A Wednesday.
	at := time.Date(2026, 9, 2, 7, 30, 12, 0, time.UTC)

	tests := []struct {
		name    string
		trigger map[string]any
		want    bool
	}{
		{"exact minute", map[string]any{"type": "time_based", "hour": "07:30"}, true},
		{"integer hour on the hour", map[string]any{"type": "time_based", "hour": 7}, false},
		{"wrong minute", map[string]any{"type": "time_based", "hour": "07:31"}, false},
		{"date match", map[string]any{"type": "time_based", "hour": "07:30", "date": "2026-09-02"}, true},
		{"date mismatch", map[string]any{"type": "time_based", "hour": "07:30", "date": "2026-09-03"}, false},
		{"accented weekday", map[string]any{"type": "time_based", "hour": "07:30", "days": []any{"miércoles"}}, true},
		{"unaccented weekday", map[string]any{"type": "time_based", "hour": "07:30", "days": []any{"miercoles"}}, true},
		{"other weekday", map[string]any{"type": "time_based", "hour": "07:30", "days": []any{"lunes"}}, false},
		{"unknown weekday never matches", map[string]any{"type": "time_based", "hour": "07:30", "days": []any{"miercole"}}, false},
		{"empty day list matches any day", map[string]any{"type": "time_based", "hour": "07:30", "days": []any{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.trigger, MatchContext{Now: at}); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesContextTrigger(t *testing.T) {
	trigger := map[string]any{"type": "context_based", "location": "Sala", "device_type": "lights"}

	if !Matches(trigger, MatchContext{Location: "Sala", DeviceType: "lights"}) {
		t.Error("expected matching location and device type to fire")
	}
	if Matches(trigger, MatchContext{Location: "Cocina", DeviceType: "lights"}) {
		t.Error("expected different location not to fire")
	}

	empty := map[string]any{"type": "context_based"}
	if Matches(empty, MatchContext{}) {
		t.Error("expected empty context trigger never to fire")
	}
}

func TestMatchesEventTrigger(t *testing.T) {
	trigger := map[string]any{"type": "event_based", "intent": "encender_luz"}

	if !Matches(trigger, MatchContext{Intent: "encender_luz"}) {
		t.Error("expected matching intent to fire")
	}
	if Matches(trigger, MatchContext{Intent: "apagar_luz"}) {
		t.Error("expected different intent not to fire")
	}
}

func TestCreateAndGetRoutine(t *testing.T) {
	env := setupTestStore(t)

	cmd := &registry.Command{Name: "LIGHT_SALA_ON", Kind: "mqtt", Topic: "iot/lights/LIGHT_SALA/command", Payload: "ON"}
	if err := env.reg.Create(cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}

	r := &Routine{
		UserID:     env.alice.ID,
		Name:       "Luces de noche",
		Trigger:    map[string]any{"type": "time_based", "hour": 22},
		Confirmed:  true,
		Enabled:    true,
		Confidence: 1.0,
		Actions:    []string{"tts_speak:buenas noches"},
		Commands:   []registry.Command{*cmd},
	}
	if err := env.rs.Create(r); err != nil {
		t.Fatalf("create routine: %v", err)
	}
	if r.ID == 0 {
		t.Fatal("expected routine ID to be set")
	}

	got, err := env.rs.Get(r.ID)
	if err != nil {
		t.Fatalf("get routine: %v", err)
	}
	if got.Name != "Luces de noche" {
		t.Errorf("name = %q, want 'Luces de noche'", got.Name)
	}
	if got.Trigger["hour"] != "22:00" {
		t.Errorf("stored hour = %v, want '22:00'", got.Trigger["hour"])
	}
	if got.TriggerType != TriggerTimeBased {
		t.Errorf("trigger type = %q, want %q", got.TriggerType, TriggerTimeBased)
	}
	if len(got.Commands) != 1 || got.Commands[0].Name != "LIGHT_SALA_ON" {
		t.Errorf("commands = %+v, want one LIGHT_SALA_ON", got.Commands)
	}
}

func TestCreateRejectsInvalidTrigger(t *testing.T) {
	env := setupTestStore(t)

	r := &Routine{
		UserID:  env.alice.ID,
		Name:    "Rota",
		Trigger: map[string]any{"type": "time_based", "hour": "24:00"},
	}
	err := env.rs.Create(r)
	if err == nil {
		t.Fatal("expected create to fail")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("error type = %T, want *ValidationError", err)
	}
}

func TestConfirmEnablesRoutine(t *testing.T) {
	env := setupTestStore(t)

	r := &Routine{
		UserID:     env.alice.ID,
		Name:       "Sugerida",
		Trigger:    map[string]any{"type": "time_based", "hour": "20:00"},
		Confidence: 0.6,
		Actions:    []string{"tts_speak:hola"},
	}
	if err := env.rs.Create(r); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.rs.Confirm(r.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, _ := env.rs.Get(r.ID)
	if !got.Confirmed || !got.Enabled {
		t.Errorf("confirmed = %v, enabled = %v, want both true", got.Confirmed, got.Enabled)
	}

	if err := env.rs.Confirm(999); err != ErrRoutineNotFound {
		t.Errorf("confirm missing routine: err = %v, want ErrRoutineNotFound", err)
	}
}

func TestDeleteRoutineRemovesJoinRows(t *testing.T) {
	env := setupTestStore(t)

	cmd := &registry.Command{Name: "LIGHT_SALA_ON", Kind: "mqtt", Topic: "iot/lights/LIGHT_SALA/command", Payload: "ON"}
	if err := env.reg.Create(cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}
	r := &Routine{
		UserID:   env.alice.ID,
		Name:     "Temporal",
		Trigger:  map[string]any{"type": "time_based", "hour": "08:00"},
		Commands: []registry.Command{*cmd},
	}
	if err := env.rs.Create(r); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := env.rs.Delete(r.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := env.rs.Get(r.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("get after delete = %+v, want nil", got)
	}

	// The registered command survives its routine.
	kept, err := env.reg.GetByName("LIGHT_SALA_ON")
	if err != nil || kept == nil {
		t.Errorf("command after routine delete = %v, %v, want intact", kept, err)
	}
}

func TestCheckRoutineTriggers(t *testing.T) {
	env := setupTestStore(t)

	cmd := &registry.Command{Name: "LIGHT_SALA_ON", Kind: "mqtt", Topic: "iot/lights/LIGHT_SALA/command", Payload: "ON"}
	if err := env.reg.Create(cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}

	r := &Routine{
		UserID:    env.alice.ID,
		Name:      "Llegada a casa",
		Trigger:   map[string]any{"type": "context_based", "location": "Sala", "device_type": "lights"},
		Confirmed: true,
		Enabled:   true,
		Actions: []string{
			"mqtt_publish:iot/lights/LIGHT_SALA/command,ON",
			"tts_speak:bienvenida",
		},
		Commands: []registry.Command{*cmd},
	}
	if err := env.rs.Create(r); err != nil {
		t.Fatalf("create: %v", err)
	}

	actions, err := env.rs.CheckRoutineTriggers(env.alice.ID, MatchContext{Location: "Sala", DeviceType: "lights"})
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	// The joined command renders once; the duplicate mqtt action string
	// is suppressed, the tts action survives.
	if len(actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2: %v", len(actions), actions)
	}
	if actions[0] != "mqtt_publish:iot/lights/LIGHT_SALA/command,ON" {
		t.Errorf("actions[0] = %q", actions[0])
	}
	if actions[1] != "tts_speak:bienvenida" {
		t.Errorf("actions[1] = %q", actions[1])
	}

	none, err := env.rs.CheckRoutineTriggers(env.alice.ID, MatchContext{Location: "Cocina", DeviceType: "lights"})
	if err != nil {
		t.Fatalf("check triggers: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len(actions) = %d for non-matching context, want 0", len(none))
	}
}
