// Package summary provides the Ollama-backed message summarizer sidecar.
// It is not on the ingest path; summaries are backfilled out of band.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"
)

// requestTimeout bounds one generate call.
const requestTimeout = 60 * time.Second

// probeTimeout bounds the TCP reachability check.
const probeTimeout = time.Second

// Result is the stored summarizer outcome. Exactly one of Result and Error
// is set.
type Result struct {
	Result *string `json:"result"`
	Error  *string `json:"error"`
}

// Client talks to a local Ollama server.
type Client struct {
	host  string
	model string
	http  *http.Client

	// lookPath and startServe are seams for tests.
	lookPath   func(string) (string, error)
	startServe func() error
}

// NewClient returns a client for the Ollama server at host using model.
func NewClient(host, model string) *Client {
	c := &Client{
		host:  host,
		model: model,
		http:  &http.Client{Timeout: requestTimeout},
	}
	c.lookPath = exec.LookPath
	c.startServe = func() error {
		cmd := exec.Command("ollama", "serve")
		return cmd.Start()
	}
	return c
}

// Running reports whether the Ollama port accepts connections.
func (c *Client) Running() bool {
	parsed, err := url.Parse(c.host)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "11434"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ensureRunning starts "ollama serve" when the server is down and waits
// briefly for it to come up.
func (c *Client) ensureRunning() error {
	if c.Running() {
		return nil
	}
	if _, err := c.lookPath("ollama"); err != nil {
		return fmt.Errorf("Ollama not installed")
	}
	if err := c.startServe(); err != nil {
		return fmt.Errorf("Failed to start Ollama")
	}
	for i := 0; i < 10; i++ {
		if c.Running() {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("Failed to start Ollama")
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Raw     bool            `json:"raw"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Summarize runs one prompt through Ollama. Failures come back inside the
// Result, never as an error: a summary is best-effort.
func (c *Client) Summarize(ctx context.Context, prompt string) Result {
	if err := c.ensureRunning(); err != nil {
		return errResult(err.Error())
	}

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Raw:     true,
		Options: generateOptions{Temperature: 0.2, NumPredict: 60},
	})
	if err != nil {
		return errResult(fmt.Sprintf("Unexpected error: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return errResult(fmt.Sprintf("Unexpected error: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errResult("Ollama request timed out")
		}
		return errResult(fmt.Sprintf("Ollama request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errResult(fmt.Sprintf("Ollama request failed: status %d", resp.StatusCode))
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return errResult(fmt.Sprintf("Ollama request failed: %v", err))
	}
	text := strings.TrimSpace(decoded.Response)
	return Result{Result: &text}
}

// SummarizeUser summarizes a user message.
func (c *Client) SummarizeUser(ctx context.Context, text string) Result {
	return c.Summarize(ctx, userPrompt(text))
}

// SummarizeAssistant summarizes an assistant message; thinking messages get
// the present-continuous prompt.
func (c *Client) SummarizeAssistant(ctx context.Context, text string, thinking bool) Result {
	if thinking {
		return c.Summarize(ctx, thinkingPrompt(text))
	}
	return c.Summarize(ctx, assistantPrompt(text))
}

func errResult(msg string) Result {
	return Result{Error: &msg}
}
