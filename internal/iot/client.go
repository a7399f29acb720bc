package iot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmfontan/casia/internal/httpkit"
)

// CommandClient posts command strings to the local HTTP command
// endpoint. Routine executions go through it instead of the bus
// directly so they pass the same auth, validation, and audit path as
// voice commands.
type CommandClient struct {
	baseURL string
	http    *http.Client
}

// NewCommandClient targets the API at baseURL, typically the
// process's own listen address.
func NewCommandClient(baseURL string) *CommandClient {
	return &CommandClient{
		baseURL: baseURL,
		http:    httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

// SendCommand posts one raw command string with the given bearer
// token. It returns the human confirmation from the endpoint.
func (c *CommandClient) SendCommand(ctx context.Context, token, rawCommand string) (string, error) {
	body, err := json.Marshal(map[string]string{"command": rawCommand})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/iot/command", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post command: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("command endpoint returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode command response: %w", err)
	}
	return out.Response, nil
}
