package routines

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmfontan/casia/internal/store"
)

// CommandSender delivers one mqtt_publish action through the HTTP
// command endpoint, authenticated as the routine's owner.
type CommandSender interface {
	SendCommand(ctx context.Context, token, rawCommand string) (string, error)
}

// Speaker voices a tts_speak action.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// TokenMinter issues a bearer token for the routine owner so routine
// actions pass the same authorization path as interactive commands.
type TokenMinter interface {
	Mint(userID int64, name string, isOwner bool) (string, error)
}

type userDirectory interface {
	GetUser(id int64) (*store.User, error)
}

// Executor runs a routine's actions. Per-action failures are logged
// and skipped so one dead device does not silence the rest of the
// routine.
type Executor struct {
	store   *Store
	users   userDirectory
	sender  CommandSender
	speaker Speaker
	minter  TokenMinter
	logger  *slog.Logger
}

// NewExecutor wires an executor. speaker may be nil when no TTS
// backend is configured; tts_speak actions are then logged and
// dropped.
func NewExecutor(s *Store, users userDirectory, sender CommandSender, speaker Speaker, minter TokenMinter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: s, users: users, sender: sender, speaker: speaker, minter: minter, logger: logger}
}

// Execute runs one routine by id. Joined IoT commands are published
// first; mqtt_publish strings in the action list are a fallback used
// only when the routine has no joined commands. The routine is
// stamped executed even when some actions failed.
func (e *Executor) Execute(ctx context.Context, routineID int64) error {
	r, err := e.store.Get(routineID)
	if err != nil {
		return err
	}
	if r == nil {
		return ErrRoutineNotFound
	}

	token, err := e.ownerToken(r.UserID)
	if err != nil {
		return fmt.Errorf("mint routine token: %w", err)
	}

	log := e.logger.With("routine", r.Name, "routine_id", r.ID, "user_id", r.UserID)
	log.Info("executing routine", "actions", len(r.Actions), "commands", len(r.Commands))

	for _, cmd := range r.Commands {
		raw := fmt.Sprintf("%s%s,%s", ActionMQTTPrefix, cmd.Topic, cmd.Payload)
		if _, err := e.sender.SendCommand(ctx, token, raw); err != nil {
			log.Error("routine command failed", "command", cmd.Name, "error", err)
		}
	}

	for _, action := range r.Actions {
		switch {
		case strings.HasPrefix(action, ActionMQTTPrefix):
			if len(r.Commands) > 0 {
				continue
			}
			if _, err := e.sender.SendCommand(ctx, token, action); err != nil {
				log.Error("routine action failed", "action", action, "error", err)
			}
		case strings.HasPrefix(action, ActionTTSPrefix):
			text := strings.TrimPrefix(action, ActionTTSPrefix)
			if e.speaker == nil {
				log.Warn("no speaker configured, dropping tts action", "text", text)
				continue
			}
			if err := e.speaker.Speak(ctx, text); err != nil {
				log.Error("routine speech failed", "error", err)
			}
		default:
			log.Warn("unknown routine action", "action", action)
		}
	}

	if err := e.store.MarkExecuted(r.ID, time.Now()); err != nil {
		log.Error("stamp execution failed", "error", err)
	}
	return nil
}

func (e *Executor) ownerToken(userID int64) (string, error) {
	u, err := e.users.GetUser(userID)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", fmt.Errorf("routine owner %d not found", userID)
	}
	return e.minter.Mint(u.ID, u.Name, u.IsOwner)
}
