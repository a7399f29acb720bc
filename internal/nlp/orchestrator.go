// Package nlp is the request orchestrator: it assembles the prompt,
// drives the language model, routes the reply through the marker
// processor, and fans the outcome out to memory, events, and
// routines.
package nlp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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
)

// ErrEmptyPrompt rejects empty or whitespace-only prompts before any
// model call happens.
var ErrEmptyPrompt = errors.New("prompt is empty")

// ErrUserNotFound mirrors the store error at the orchestrator
// boundary.
var ErrUserNotFound = errors.New("user not found")

// LLMUnavailable is returned when every model attempt failed. The
// exchange is not written to conversation history.
type LLMUnavailable struct {
	Attempts int
	Err      error
}

func (e *LLMUnavailable) Error() string {
	return fmt.Sprintf("llm unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LLMUnavailable) Unwrap() error { return e.Err }

// Response is the outcome of one request.
type Response struct {
	Response        string `json:"response"`
	Command         string `json:"command,omitempty"`
	PreferenceKey   string `json:"preference_key,omitempty"`
	PreferenceValue string `json:"preference_value,omitempty"`
	UserName        string `json:"user_name"`
	UserID          int64  `json:"user_id"`
}

// Orchestrator owns one request's lifecycle end to end.
type Orchestrator struct {
	cfg       *config.Store
	db        *store.Store
	reg       *registry.Store
	assembler *prompt.Assembler
	tracker   *devctx.Tracker
	llm       llm.Client
	proc      *markers.Processor
	creator   *routines.Creator
	routines  *routines.Store
	events    *patterns.EventStore
	iotExec   *iot.Executor
	speaker   routines.Speaker
	logger    *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config    *config.Store
	DB        *store.Store
	Registry  *registry.Store
	Assembler *prompt.Assembler
	Tracker   *devctx.Tracker
	LLM       llm.Client
	Processor *markers.Processor
	Creator   *routines.Creator
	Routines  *routines.Store
	Events    *patterns.EventStore
	IoTExec   *iot.Executor
	Speaker   routines.Speaker
	Logger    *slog.Logger
}

// New wires an orchestrator. Speaker may be nil when TTS is disabled.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       d.Config,
		db:        d.DB,
		reg:       d.Registry,
		assembler: d.Assembler,
		tracker:   d.Tracker,
		llm:       d.LLM,
		proc:      d.Processor,
		creator:   d.Creator,
		routines:  d.Routines,
		events:    d.Events,
		iotExec:   d.IoTExec,
		speaker:   d.Speaker,
		logger:    logger,
	}
}

// historyWindow is how many past exchanges the prompt may carry.
const historyWindow = 5

// GenerateResponse runs one full request. The returned error is
// non-nil only for boundary failures (empty prompt, unknown user,
// model unavailable); marker-level failures surface inside the reply
// text instead.
func (o *Orchestrator) GenerateResponse(ctx context.Context, userID int64, rawPrompt string) (*Response, error) {
	return o.GenerateResponseStream(ctx, userID, rawPrompt, nil)
}

// GenerateResponseStream is GenerateResponse with a per-chunk callback
// for streaming transports. Chunks are the model's raw tokens; markers
// are only stripped from the final reply, so streaming clients must
// treat chunks as provisional. A nil callback disables streaming.
func (o *Orchestrator) GenerateResponseStream(ctx context.Context, userID int64, rawPrompt string, onChunk llm.StreamCallback) (*Response, error) {
	userPrompt := strings.TrimSpace(rawPrompt)
	if userPrompt == "" {
		o.logger.Warn("empty prompt rejected", "user_id", userID)
		return nil, ErrEmptyPrompt
	}

	user, err := o.db.GetUser(userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	cfg := o.cfg.Active()
	system := o.buildSystemPrompt(cfg, user, userPrompt)
	enhanced := o.tracker.Enhance(user.ID, userPrompt)

	reply, err := o.complete(ctx, cfg, system, enhanced, onChunk)
	if err != nil {
		return nil, err
	}

	// Routine creation inspects the prompt, not the reply; the
	// reply passes through untouched.
	creationReply, created := o.creator.Handle(user.ID, userPrompt)

	result := o.proc.Process(ctx, user, userPrompt, reply)
	finalReply := result.Reply
	if created {
		finalReply = collapse(finalReply + " " + creationReply)
	}

	if err := o.db.AppendConversation(user.ID, userPrompt, finalReply, result.UserName); err != nil {
		o.logger.Error("conversation log append failed", "user_id", user.ID, "error", err)
	}

	now := time.Now().In(cfg.Location())
	o.emitEvent(user.ID, result, now)

	if result.Command != "" {
		if cmd, err := iot.NewParser().Parse(result.Command); err == nil {
			o.tracker.Update(user.ID, userPrompt, cmd.Topic)
		}
	}

	go o.fireTriggeredRoutines(user.ID, result, now)

	return &Response{
		Response:        finalReply,
		Command:         result.Command,
		PreferenceKey:   result.PreferenceKey,
		PreferenceValue: result.PreferenceValue,
		UserName:        result.UserName,
		UserID:          user.ID,
	}, nil
}

// complete retries the model call. Empty completions count as
// failures.
func (o *Orchestrator) complete(ctx context.Context, cfg *config.Config, system, userPrompt string, onChunk llm.StreamCallback) (string, error) {
	retries := cfg.Model.LLMRetries
	if retries <= 0 {
		retries = 2
	}

	req := llm.Request{
		Model:  cfg.Model.Name,
		Prompt: userPrompt,
		System: system,
		Options: llm.Options{
			Temperature:   cfg.Model.Temperature,
			TopP:          cfg.Model.TopP,
			TopK:          cfg.Model.TopK,
			RepeatPenalty: cfg.Model.RepeatPenalty,
			NumCtx:        cfg.Model.NumCtx,
			NumPredict:    cfg.Model.MaxTokens,
		},
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.LLMTimeout())
		reply, err := o.llm.Generate(callCtx, req, onChunk)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		o.logger.Warn("llm attempt failed", "attempt", attempt, "retries", retries, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", &LLMUnavailable{Attempts: retries, Err: lastErr}
}

func (o *Orchestrator) buildSystemPrompt(cfg *config.Config, user *store.User, userPrompt string) string {
	listing, _, err := o.reg.LoadAll()
	if err != nil {
		o.logger.Error("command listing failed", "error", err)
	}

	devices, err := o.db.ListDeviceStates()
	if err != nil {
		o.logger.Error("device snapshot failed", "error", err)
	}

	var history []store.ConversationEntry
	if prompt.WantsHistory(userPrompt) {
		history, err = o.db.History(user.ID, historyWindow)
		if err != nil {
			o.logger.Error("history load failed", "error", err)
		}
	}

	last, err := o.db.LastInteraction(user.ID)
	if err != nil {
		o.logger.Error("last interaction load failed", "error", err)
	}

	return o.assembler.Assemble(prompt.Input{
		AssistantName:   cfg.AssistantName,
		Language:        cfg.Language,
		Capabilities:    capabilities(cfg),
		CommandListing:  listing,
		LastInteraction: last,
		DeviceStates:    devices,
		User:            user,
		Timezone:        cfg.Timezone,
		Now:             time.Now().In(cfg.Location()),
		History:         history,
		RoutinesInfo:    o.routinesInfo(user.ID),
		RoutineCreation: "",
	})
}

// routinesInfo renders the user's confirmed routines for prompt
// injection.
func (o *Orchestrator) routinesInfo(userID int64) string {
	rs, err := o.routines.ListByUser(userID, true, false)
	if err != nil {
		o.logger.Error("routine info load failed", "error", err)
		return "Sin rutinas programadas."
	}
	if len(rs) == 0 {
		return "Sin rutinas programadas."
	}
	var sb strings.Builder
	for _, r := range rs {
		sb.WriteString("- ")
		sb.WriteString(r.Name)
		if hm, ok := routines.TriggerHour(r.Trigger); ok {
			sb.WriteString(" (")
			sb.WriteString(hm.String())
			sb.WriteString(")")
		}
		if !r.Enabled {
			sb.WriteString(" [desactivada]")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func capabilities(cfg *config.Config) []string {
	caps := []string{"conversación", "memoria", "preferencias"}
	if cfg.Modules.IoT {
		caps = append(caps, "control del hogar")
	}
	if cfg.Modules.Music {
		caps = append(caps, "música")
	}
	if cfg.Modules.Routines {
		caps = append(caps, "rutinas")
	}
	if cfg.Modules.TTS {
		caps = append(caps, "voz")
	}
	return caps
}

func (o *Orchestrator) emitEvent(userID int64, result markers.Result, now time.Time) {
	if result.Intent == "" && result.Command == "" {
		return
	}
	err := o.events.Append(patterns.ContextEvent{
		UserID:     userID,
		Intent:     result.Intent,
		Action:     result.Command,
		DeviceType: result.DeviceType,
		Location:   result.Location,
		Hour:       now.Hour(),
		Day:        now.Weekday().String(),
		Timestamp:  now,
	})
	if err != nil {
		o.logger.Error("context event append failed", "user_id", userID, "error", err)
	}
}

// fireTriggeredRoutines runs event-triggered routine actions in the
// background: TTS first, then MQTT. Failures are logged, never
// surfaced.
func (o *Orchestrator) fireTriggeredRoutines(userID int64, result markers.Result, now time.Time) {
	actions, err := o.routines.CheckRoutineTriggers(userID, routines.MatchContext{
		Now:        now,
		Intent:     result.Intent,
		Location:   result.Location,
		DeviceType: result.DeviceType,
	})
	if err != nil {
		o.logger.Error("routine trigger check failed", "user_id", userID, "error", err)
		return
	}
	if len(actions) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, a := range actions {
		if !strings.HasPrefix(a, routines.ActionTTSPrefix) {
			continue
		}
		if o.speaker == nil {
			continue
		}
		if err := o.speaker.Speak(ctx, strings.TrimPrefix(a, routines.ActionTTSPrefix)); err != nil {
			o.logger.Error("triggered speech failed", "error", err)
		}
	}
	for _, a := range actions {
		if !strings.HasPrefix(a, routines.ActionMQTTPrefix) {
			continue
		}
		cmd, err := iot.NewParser().Parse(a)
		if err != nil {
			o.logger.Error("triggered action parse failed", "action", a, "error", err)
			continue
		}
		if _, err := o.iotExec.Execute(ctx, cmd); err != nil {
			o.logger.Error("triggered action failed", "action", a, "error", err)
		}
	}
}

func collapse(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
