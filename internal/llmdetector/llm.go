// Package llmdetector implements the LLM-based PII detector: a thin HTTP
// client over a local Ollama-compatible text-generation endpoint, plus the
// response parser that extracts a single JSON object from a (possibly
// prose-wrapped) model reply and validates the spans it claims against the
// original input.
package llmdetector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mcpconceal/internal/detector"
	"mcpconceal/internal/promptloader"
)

// Config configures the LLM Detector.
type Config struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	Enabled  bool
}

// Detector posts formatted prompts to a local LLM endpoint and parses PII
// entities out of its replies.
type Detector struct {
	cfg    Config
	client *http.Client
}

// New constructs a Detector. The underlying http.Client is safe to share
// across goroutines/clones, so Clone just copies the struct.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Clone returns a Detector with the same configuration and a shared HTTP
// client — the client is stateless, so no new one is constructed.
func (d *Detector) Clone() *Detector {
	clone := *d
	return &clone
}

// Enabled reports whether this detector is configured to make calls.
func (d *Detector) Enabled() bool { return d.cfg.Enabled }

// Model returns the configured model name, used as the second half of the
// LLM cache key alongside the text hash.
func (d *Detector) Model() string { return d.cfg.Model }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type llmEntity struct {
	Type       string   `json:"type"`
	Value      string   `json:"value"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Confidence *float64 `json:"confidence"`
}

type llmResponse struct {
	Entities []llmEntity `json:"entities"`
}

// ExtractEntities formats promptTemplate with text and posts it to
// <endpoint>/api/generate. Disabled detectors return an empty list
// immediately without making a request.
func (d *Detector) ExtractEntities(ctx context.Context, promptTemplate, text string) ([]detector.DetectedEntity, error) {
	if !d.cfg.Enabled {
		return nil, nil
	}

	prompt := promptloader.FormatPrompt(promptTemplate, text)
	reqBody := generateRequest{
		Model:  d.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.0,
			TopP:        0.1,
			MaxTokens:   500,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp generateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return nil, fmt.Errorf("parse ollama envelope: %w", err)
	}

	parsed, err := parseLLMResponse(genResp.Response)
	if err != nil {
		return nil, fmt.Errorf("parse llm json payload: %w", err)
	}

	return validateEntities(parsed.Entities, text), nil
}

// HealthCheck GETs <endpoint>/api/tags and reports whether the status
// indicates success. A disabled detector returns false without a request.
func (d *Detector) HealthCheck(ctx context.Context) bool {
	if !d.cfg.Enabled {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// parseLLMResponse extracts a single JSON object from a model reply that
// may be wrapped in prose:
//  1. undo template-doubled braces ("{{" -> "{", "}}" -> "}")
//  2. scan for the first "{" and its brace-depth-matched "}"
//  3. try to parse that slice
//  4. on failure, retry against the whole trimmed string if it looks like
//     a bare JSON object
//  5. otherwise fail
func parseLLMResponse(raw string) (llmResponse, error) {
	undoubled := strings.ReplaceAll(strings.ReplaceAll(raw, "{{", "{"), "}}", "}")

	if slice, ok := firstBraceSlice(undoubled); ok {
		var out llmResponse
		if err := json.Unmarshal([]byte(slice), &out); err == nil {
			return out, nil
		}
	}

	trimmed := strings.TrimSpace(undoubled)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var out llmResponse
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, nil
		}
	}

	return llmResponse{}, fmt.Errorf("no valid JSON object found in LLM reply")
}

// firstBraceSlice scans s for the first "{" and returns the substring up to
// its brace-depth-matched "}", or ok=false if no balanced object is found.
func firstBraceSlice(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// validateEntities checks each raw LLM entity's claimed span against the
// original text, falling back to a first-occurrence substring search and
// dropping entities that cannot be located at all.
func validateEntities(raw []llmEntity, original string) []detector.DetectedEntity {
	out := make([]detector.DetectedEntity, 0, len(raw))
	for _, e := range raw {
		confidence := 0.8
		if e.Confidence != nil {
			confidence = *e.Confidence
		}

		start, end := e.Start, e.End
		valid := true
		switch {
		case start == 0 && end == 0:
			valid = false
		case start >= end || end > len(original) || original[start:end] != e.Value:
			valid = false
		}

		if !valid {
			idx := strings.Index(original, e.Value)
			if idx < 0 {
				continue // cannot locate this entity in the source text; drop it
			}
			start, end = idx, idx+len(e.Value)
		}

		out = append(out, detector.DetectedEntity{
			EntityType:    e.Type,
			OriginalValue: e.Value,
			Start:         start,
			End:           end,
			Confidence:    confidence,
		})
	}
	return out
}
