package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// JinaEmbedder generates embeddings via the Jina AI embeddings API.
type JinaEmbedder struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewJinaEmbedder creates an embedder using the Jina AI API.
// If model is empty, defaults to "jina-embeddings-v3".
func NewJinaEmbedder(apiKey, model string) *JinaEmbedder {
	if model == "" {
		model = "jina-embeddings-v3"
	}
	return &JinaEmbedder{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.jina.ai/v1/embeddings",
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Every(750*time.Millisecond), 1),
	}
}

// Available returns true if the Jina API key is configured.
func (e *JinaEmbedder) Available() bool {
	return e.apiKey != ""
}

type jinaEmbedRequest struct {
	Model string   `json:"model"`
	Task  string   `json:"task"`
	Input []string `json:"input"`
}

type jinaEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates a vector embedding for the given text.
func (e *JinaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed: rate limiter: %w", err)
	}

	jsonBody, err := json.Marshal(jinaEmbedRequest{
		Model: e.model,
		Task:  "text-matching",
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("embed: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embed: failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed: jina returned status %d: %s", resp.StatusCode, string(body))
	}

	var embedResp jinaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("embed: failed to parse response: %w", err)
	}

	if len(embedResp.Data) == 0 {
		return nil, fmt.Errorf("embed: no embeddings returned")
	}

	return embedResp.Data[0].Embedding, nil
}
