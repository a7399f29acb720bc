// Package llm provides the local LLM client.
//
// The adapter contract is fixed: (model, prompt, options, system) in,
// a stream of content chunks out. The rest of the system never
// inspects provider capabilities at runtime.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmfontan/casia/internal/httpkit"
)

// ErrEmptyCompletion is returned when the stream completed without
// producing any content. Callers treat it as retryable.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

// Options are the model sampling parameters.
type Options struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty"`
}

// Request is one completion request.
type Request struct {
	Model   string
	Prompt  string
	System  string
	Options Options
}

// StreamCallback is called for each streamed content chunk.
type StreamCallback func(chunk string)

// Client is the adapter interface the orchestrator depends on.
type Client interface {
	// Generate streams a completion and returns the concatenated
	// content. A nil callback disables per-chunk delivery.
	Generate(ctx context.Context, req Request, callback StreamCallback) (string, error)
}

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient creates a new Ollama client. The HTTP client has no
// overall timeout; per-attempt deadlines come from the caller's ctx.
func NewOllamaClient(baseURL string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate sends a streaming /api/generate request, concatenating the
// newline-delimited JSON chunks.
func (c *OllamaClient) Generate(ctx context.Context, req Request, callback StreamCallback) (string, error) {
	body := generateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: &req.Options,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var sb strings.Builder
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk generateChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Response != "" {
			sb.WriteString(chunk.Response)
			if callback != nil {
				callback(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
