package patterns

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/routines"
	"github.com/jmfontan/casia/internal/store"
	_ "modernc.org/sqlite"
)

type testEnv struct {
	events *EventStore
	rs     *routines.Store
	alice  *store.User
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
	rs, err := routines.NewStore(db, reg)
	if err != nil {
		t.Fatalf("routine store: %v", err)
	}
	events, err := NewEventStore(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	alice, err := core.CreateUser("Alice", false, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &testEnv{events: events, rs: rs, alice: alice}
}

// appendAt records an event at the given hour on the given day offset.
func appendAt(t *testing.T, env *testEnv, day, hour int, ev ContextEvent) {
	t.Helper()
	ev.UserID = env.alice.ID
	ev.Hour = hour
	ev.Timestamp = time.Date(2026, 8, day, hour, 15, 0, 0, time.UTC)
	if err := env.events.Append(ev); err != nil {
		t.Fatalf("append event: %v", err)
	}
}

func TestTimePatternDetection(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	for day := 1; day <= 4; day++ {
		appendAt(t, env, day, 20, ContextEvent{Intent: "encender_luz", Action: "mqtt_publish:iot/lights/LIGHT_SALA/command,ON"})
	}
	// A single stray event at another hour stays below the threshold.
	appendAt(t, env, 5, 9, ContextEvent{Intent: "encender_luz", Action: "mqtt_publish:iot/lights/LIGHT_SALA/command,ON"})

	ps, err := a.AnalyzeUser(env.alice.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var found *Pattern
	for i := range ps {
		if ps[i].Type == "time_based" && ps[i].Hour == 20 {
			found = &ps[i]
		}
	}
	if found == nil {
		t.Fatalf("no time pattern at hour 20 in %+v", ps)
	}
	if found.Intent != "encender_luz" {
		t.Errorf("intent = %q, want 'encender_luz'", found.Intent)
	}
	if found.Frequency != 4 {
		t.Errorf("frequency = %d, want 4", found.Frequency)
	}
	if found.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", found.Confidence)
	}

	for _, p := range ps {
		if p.Type == "time_based" && p.Hour == 9 {
			t.Errorf("single event at hour 9 became a pattern: %+v", p)
		}
	}
}

func TestLocationPatternDetection(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	appendAt(t, env, 1, 8, ContextEvent{Intent: "encender_luz", DeviceType: "lights", Location: "Sala"})
	appendAt(t, env, 2, 9, ContextEvent{Intent: "encender_luz", DeviceType: "lights", Location: "Sala"})
	appendAt(t, env, 3, 10, ContextEvent{Intent: "apagar_luz", DeviceType: "lights", Location: "Cocina"})

	ps, err := a.AnalyzeUser(env.alice.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var found *Pattern
	for i := range ps {
		if ps[i].Type == "context_based" {
			found = &ps[i]
		}
	}
	if found == nil {
		t.Fatalf("no location pattern in %+v", ps)
	}
	if found.Location != "Sala" || found.DeviceType != "lights" {
		t.Errorf("pattern = %+v, want lights in Sala", found)
	}
	if found.Action != "encender_luz" {
		t.Errorf("action = %q, want the dominant intent", found.Action)
	}
}

func TestSequencePatternDetection(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	base := time.Date(2026, 8, 1, 22, 0, 0, 0, time.UTC)
	for day := 0; day < 2; day++ {
		first := ContextEvent{UserID: env.alice.ID, Intent: "cerrar_puerta", Hour: 22,
			Timestamp: base.AddDate(0, 0, day)}
		second := ContextEvent{UserID: env.alice.ID, Intent: "apagar_luz", Hour: 22,
			Timestamp: base.AddDate(0, 0, day).Add(2 * time.Minute)}
		if err := env.events.Append(first); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := env.events.Append(second); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ps, err := a.AnalyzeUser(env.alice.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var found *Pattern
	for i := range ps {
		if ps[i].Type == "event_based" {
			found = &ps[i]
		}
	}
	if found == nil {
		t.Fatalf("no sequence pattern in %+v", ps)
	}
	if len(found.Sequence) != 2 || found.Sequence[0] != "cerrar_puerta" || found.Sequence[1] != "apagar_luz" {
		t.Errorf("sequence = %v", found.Sequence)
	}
}

func TestRepeatedActionSkipsConfirmedRoutines(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	for day := 1; day <= 3; day++ {
		appendAt(t, env, day, 7, ContextEvent{Intent: "encender_luz", Action: "mqtt_publish:iot/lights/LIGHT_SALA/command,ON"})
	}

	ps, err := a.AnalyzeUser(env.alice.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	count := 0
	for _, p := range ps {
		if p.Type == "action_based" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("action patterns = %d, want 1", count)
	}

	// Once a confirmed routine covers the (intent, hour) pair, the
	// detector goes quiet.
	r := &routines.Routine{
		UserID:    env.alice.ID,
		Name:      "Luces de la mañana",
		Trigger:   map[string]any{"type": "time_based", "hour": "07:00", "intent": "encender_luz"},
		Confirmed: true,
		Enabled:   true,
		Actions:   []string{"mqtt_publish:iot/lights/LIGHT_SALA/command,ON"},
	}
	if err := env.rs.Create(r); err != nil {
		t.Fatalf("create routine: %v", err)
	}

	ps, err = a.AnalyzeUser(env.alice.ID)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for _, p := range ps {
		if p.Type == "action_based" {
			t.Errorf("automated behavior still reported: %+v", p)
		}
	}
}

func TestSuggestRoutines(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	for day := 1; day <= 4; day++ {
		appendAt(t, env, day, 20, ContextEvent{Intent: "encender_luz", Action: "mqtt_publish:iot/lights/LIGHT_SALA/command,ON"})
	}

	created, err := a.SuggestRoutines(env.alice.ID, 0.5)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("len(created) = %d, want 1", len(created))
	}

	r := created[0]
	if r.Name != "Routine: encender_luz at 20:00" {
		t.Errorf("name = %q", r.Name)
	}
	if r.Confirmed || r.Enabled {
		t.Errorf("confirmed = %v, enabled = %v, want suggestion to start inert", r.Confirmed, r.Enabled)
	}
	if r.Trigger["hour"] != "20:00" {
		t.Errorf("hour = %v, want '20:00'", r.Trigger["hour"])
	}
	if len(r.Actions) != 1 || r.Actions[0] != "mqtt_publish:iot/lights/LIGHT_SALA/command,ON" {
		t.Errorf("actions = %v", r.Actions)
	}

	// Suggesting again with the trigger already stored creates nothing.
	again, err := a.SuggestRoutines(env.alice.ID, 0.5)
	if err != nil {
		t.Fatalf("suggest again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("len(again) = %d, want 0", len(again))
	}
}

func TestSuggestRoutinesRespectsThreshold(t *testing.T) {
	env := setupTestStore(t)
	a := NewAnalyzer(env.events, env.rs, nil)

	// Two of five events at hour 20: confidence 0.4 stays below 0.5.
	appendAt(t, env, 1, 20, ContextEvent{Intent: "encender_luz", Action: "x"})
	appendAt(t, env, 2, 20, ContextEvent{Intent: "encender_luz", Action: "x"})
	appendAt(t, env, 3, 9, ContextEvent{Intent: "encender_luz", Action: "x"})
	appendAt(t, env, 4, 12, ContextEvent{Intent: "encender_luz", Action: "x"})
	appendAt(t, env, 5, 15, ContextEvent{Intent: "encender_luz", Action: "x"})

	created, err := a.SuggestRoutines(env.alice.ID, 0.5)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("len(created) = %d, want 0 below the threshold", len(created))
	}
}

func TestEventStoreRoundTrip(t *testing.T) {
	env := setupTestStore(t)

	ev := ContextEvent{
		UserID:     env.alice.ID,
		Intent:     "encender_luz",
		Action:     "mqtt_publish:iot/lights/LIGHT_SALA/command,ON",
		DeviceType: "lights",
		Location:   "Sala",
		Hour:       20,
		Timestamp:  time.Date(2026, 8, 1, 20, 15, 0, 0, time.UTC),
	}
	if err := env.events.Append(ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := env.events.EventsForUser(env.alice.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(got))
	}
	if got[0].Hour != 20 {
		t.Errorf("hour = %d, want 20", got[0].Hour)
	}
	if got[0].Day != "Saturday" {
		t.Errorf("day = %q, want 'Saturday'", got[0].Day)
	}
	if got[0].Location != "Sala" {
		t.Errorf("location = %q, want 'Sala'", got[0].Location)
	}
}
