package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nikira-studio/lifequery/fault"
)

// client implements Embedder against the OpenAI /v1/embeddings format.
type client struct {
	endpoint string
	model    string
	cfg      Config
	http     *http.Client

	mu  sync.Mutex // protects dim on first call
	dim int
}

func newClient(cfg Config) *client {
	return &client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dim:      cfg.Dimension,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.endpoint == "" {
		return nil, fault.Config("embedding endpoint not set")
	}
	if c.model == "" {
		return nil, fault.Config("embedding model not set")
	}

	result := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		vecs, err := c.callAPI(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", start, end, err)
		}
		copy(result[start:end], vecs)
	}
	return result, nil
}

func (c *client) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.endpoint + "/v1/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if fault.IsCancelled(ctx.Err()) {
			return nil, ctx.Err()
		}
		return nil, fault.Transient(fmt.Errorf("HTTP POST %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
		if retryableStatus(resp.StatusCode) {
			return nil, fault.Transient(err)
		}
		return nil, fault.Upstream(err)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fault.Upstream(fmt.Errorf("decode response: %w", err))
	}
	if len(result.Data) == 0 {
		return nil, fault.Upstream(fmt.Errorf("no embeddings returned from %s", url))
	}

	// Auto-detect dimension on first call; later responses must agree.
	got := len(result.Data[0].Embedding)
	c.mu.Lock()
	if c.dim == 0 && got > 0 {
		c.dim = got
		c.cfg.Logger.Info("auto-detected embedding dimension",
			"dimension", c.dim, "model", result.Model)
	}
	dim := c.dim
	c.mu.Unlock()

	// Reassemble in input order (responses are keyed by index).
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fault.Upstream(fmt.Errorf("missing embedding for input index %d", i))
		}
		if len(v) != dim {
			return nil, fault.Upstream(fmt.Errorf(
				"embedding %d has dimension %d, want %d", i, len(v), dim))
		}
	}
	return vecs, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func (c *client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

func (c *client) Model() string { return c.model }
