package nlp

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmfontan/casia/internal/config"
	"github.com/jmfontan/casia/internal/devctx"
	"github.com/jmfontan/casia/internal/iot"
	"github.com/jmfontan/casia/internal/llm"
	"github.com/jmfontan/casia/internal/markers"
	"github.com/jmfontan/casia/internal/patterns"
	"github.com/jmfontan/casia/internal/prompt"
	"github.com/jmfontan/casia/internal/registry"
	"github.com/jmfontan/casia/internal/routines"
	"github.com/jmfontan/casia/internal/store"
	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLLM struct {
	reply  string
	chunks []string
	err    error
	calls  int
	system string
	prompt string
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request, callback llm.StreamCallback) (string, error) {
	f.calls++
	f.system = req.System
	f.prompt = req.Prompt
	if f.err != nil {
		return "", f.err
	}
	if callback != nil {
		for _, c := range f.chunks {
			callback(c)
		}
	}
	return f.reply, nil
}

type fakeBus struct {
	published []string
}

func (f *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	f.published = append(f.published, topic+"="+string(payload))
	return nil
}

type testEnv struct {
	db    *store.Store
	reg   *registry.Store
	llm   *fakeLLM
	bus   *fakeBus
	orch  *Orchestrator
	alice *store.User
}

func setupTestOrchestrator(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

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
		t.Fatalf("routines store: %v", err)
	}
	events, err := patterns.NewEventStore(db)
	if err != nil {
		t.Fatalf("event store: %v", err)
	}

	model := &fakeLLM{reply: "Hola."}
	bus := &fakeBus{}
	exec := iot.NewExecutor(reg, bus, core, time.Second, testLogger())
	proc := markers.New(core, reg, exec, nil, rs, nil, testLogger())
	creator := routines.NewCreator(rs, reg, func() *time.Location { return time.UTC }, testLogger())
	tracker := devctx.New(time.Minute)
	assembler := prompt.NewAssembler(prompt.DefaultTemplate(), testLogger())

	orch := New(Deps{
		Config:    cfg,
		DB:        core,
		Registry:  reg,
		Assembler: assembler,
		Tracker:   tracker,
		LLM:       model,
		Processor: proc,
		Creator:   creator,
		Routines:  rs,
		Events:    events,
		IoTExec:   exec,
		Logger:    testLogger(),
	})

	alice, err := core.CreateUser("Alice", true, "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &testEnv{db: core, reg: reg, llm: model, bus: bus, orch: orch, alice: alice}
}

func TestGenerateResponseRejectsEmptyPrompt(t *testing.T) {
	env := setupTestOrchestrator(t)

	_, err := env.orch.GenerateResponse(context.Background(), env.alice.ID, "   ")
	if err != ErrEmptyPrompt {
		t.Errorf("err = %v, want ErrEmptyPrompt", err)
	}
	if env.llm.calls != 0 {
		t.Errorf("llm calls = %d, want 0", env.llm.calls)
	}
}

func TestGenerateResponseUnknownUser(t *testing.T) {
	env := setupTestOrchestrator(t)

	_, err := env.orch.GenerateResponse(context.Background(), 999, "hola")
	if err != ErrUserNotFound {
		t.Errorf("err = %v, want ErrUserNotFound", err)
	}
}

func TestGenerateResponseRetriesThenFails(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.llm.err = errors.New("connection refused")

	_, err := env.orch.GenerateResponse(context.Background(), env.alice.ID, "hola")
	var unavailable *LLMUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want *LLMUnavailable", err)
	}
	if unavailable.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", unavailable.Attempts)
	}
	if env.llm.calls != 2 {
		t.Errorf("llm calls = %d, want 2", env.llm.calls)
	}

	history, herr := env.db.History(env.alice.ID, 10)
	if herr != nil {
		t.Fatalf("history: %v", herr)
	}
	if len(history) != 0 {
		t.Errorf("failed exchange was persisted: %v", history)
	}
}

func TestGenerateResponsePlainReply(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.llm.reply = "Hola, Alice."

	res, err := env.orch.GenerateResponse(context.Background(), env.alice.ID, "hola")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Response != "Hola, Alice." {
		t.Errorf("response = %q", res.Response)
	}
	if res.Command != "" {
		t.Errorf("command = %q, want empty", res.Command)
	}
	if res.UserID != env.alice.ID {
		t.Errorf("userID = %d, want %d", res.UserID, env.alice.ID)
	}

	if !strings.Contains(env.llm.system, "Eres Casia") {
		t.Errorf("system prompt missing assistant identity:\n%s", env.llm.system)
	}
	if env.llm.prompt != "hola" {
		t.Errorf("llm prompt = %q", env.llm.prompt)
	}

	history, err := env.db.History(env.alice.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Response != "Hola, Alice." {
		t.Errorf("history = %+v", history)
	}
}

func TestGenerateResponseStreamDeliversChunks(t *testing.T) {
	env := setupTestOrchestrator(t)
	env.llm.reply = "Hola, Alice."
	env.llm.chunks = []string{"Hola, ", "Alice."}

	var got []string
	res, err := env.orch.GenerateResponseStream(context.Background(), env.alice.ID, "hola",
		func(chunk string) { got = append(got, chunk) })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 2 || got[0] != "Hola, " || got[1] != "Alice." {
		t.Errorf("chunks = %q", got)
	}
	if res.Response != "Hola, Alice." {
		t.Errorf("response = %q", res.Response)
	}
}

func TestGenerateResponseExecutesCommand(t *testing.T) {
	env := setupTestOrchestrator(t)
	err := env.reg.Create(&registry.Command{
		Name:    "LIGHT_SALA_ON",
		Kind:    "mqtt",
		Topic:   "iot/lights/LIGHT_SALA/command",
		Payload: "ON",
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	env.llm.reply = "Claro. iot_command:LIGHT_SALA_ON:iot/lights/LIGHT_SALA/command,ON"

	res, err := env.orch.GenerateResponse(context.Background(), env.alice.ID,
		"enciende la luz de la sala")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Response != "Claro. Comando MQTT 'LIGHT_SALA_ON' ejecutado." {
		t.Errorf("response = %q", res.Response)
	}
	if res.Command == "" {
		t.Errorf("command is empty")
	}
	if len(env.bus.published) != 1 || env.bus.published[0] != "iot/lights/LIGHT_SALA/command=ON" {
		t.Errorf("published = %v", env.bus.published)
	}
}

func TestGenerateResponseTrimsPrompt(t *testing.T) {
	env := setupTestOrchestrator(t)

	if _, err := env.orch.GenerateResponse(context.Background(), env.alice.ID, "  hola  "); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if env.llm.prompt != "hola" {
		t.Errorf("llm prompt = %q, want trimmed", env.llm.prompt)
	}
}
