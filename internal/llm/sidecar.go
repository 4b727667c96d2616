package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sidecar is an Embedder backed by a local ML sidecar that exposes
// POST /embedding {"text": ...} -> [float, ...].
type Sidecar struct {
	url    string
	client *http.Client
}

// NewSidecar creates a Sidecar embedder for the given base URL.
func NewSidecar(url string) *Sidecar {
	return &Sidecar{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed returns one embedding per text.
func (c *Sidecar) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (c *Sidecar) embedOne(ctx context.Context, text string) ([]float32, error) {
	requestBody, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("failed to marshal request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/embedding", bytes.NewReader(requestBody))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("sidecar: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("sidecar: status code %d", resp.StatusCode))
	}

	var embedding []float32
	if err := json.NewDecoder(resp.Body).Decode(&embedding); err != nil {
		return nil, NewFatalError(fmt.Errorf("sidecar: decode response: %w", err))
	}
	return embedding, nil
}
