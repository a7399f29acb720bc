// Package tts is the HTTP client for the external text-to-speech
// collaborator. Casia only consumes its synth endpoint; the model and
// audio pipeline live elsewhere.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jmfontan/casia/internal/httpkit"
)

// DefaultTimeout bounds one synthesis call.
const DefaultTimeout = 30 * time.Second

// Speaker synthesizes and plays a spoken phrase. The routine executor
// and the orchestrator depend on this; tests substitute a fake.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// PlayFunc plays a WAV file on the local audio device. Injected so
// the audio stack stays out of this package.
type PlayFunc func(ctx context.Context, path string) error

// Client talks to the TTS collaborator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	play       PlayFunc
	logger     *slog.Logger
}

// New creates a Client. A non-positive timeout selects DefaultTimeout.
func New(baseURL string, timeout time.Duration, play PlayFunc, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout)),
		play:       play,
		logger:     logger,
	}
}

// Synthesize returns the WAV audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return io.ReadAll(resp.Body)
}

// Speak synthesizes text, plays the returned audio locally, and
// removes the temporary file afterwards.
func (c *Client) Speak(ctx context.Context, text string) error {
	audio, err := c.Synthesize(ctx, text)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "casia-tts-*.wav")
	if err != nil {
		return fmt.Errorf("create temp audio file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(audio); err != nil {
		f.Close()
		return fmt.Errorf("write temp audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp audio file: %w", err)
	}

	if c.play == nil {
		c.logger.Debug("tts playback skipped, no player configured", "bytes", len(audio))
		return nil
	}
	return c.play(ctx, path)
}
