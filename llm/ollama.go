package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nikira-studio/lifequery/fault"
)

// ollamaClient speaks Ollama's native /api/chat NDJSON stream.
type ollamaClient struct {
	host   string
	model  string
	http   *http.Client
	logger *slog.Logger
}

func newOllama(host, model string, logger *slog.Logger) *ollamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ollamaClient{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		http:   &http.Client{}, // per-stream deadline via idle watchdog
		logger: logger,
	}
}

func (c *ollamaClient) Model() string { return c.model }

type ollamaRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Stream           bool           `json:"stream"`
	Options          map[string]any `json:"options"`
	IncludeReasoning bool           `json:"include_reasoning,omitempty"`
}

// ollamaChunk is one NDJSON line. Reasoning models scatter their thinking
// across several field names depending on version.
type ollamaChunk struct {
	Message struct {
		Content        string `json:"content"`
		Reasoning      string `json:"reasoning"`
		Thinking       string `json:"thinking"`
		Thought        string `json:"thought"`
		ThoughtContent string `json:"thought_content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (ch *ollamaChunk) reasoning() string {
	m := ch.Message
	for _, s := range []string{m.Reasoning, m.Thinking, m.Thought, m.ThoughtContent} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (c *ollamaClient) StreamChat(ctx context.Context, messages []Message, opts Options, emit func(Event)) error {
	if c.model == "" {
		return fault.Config("chat model not set")
	}

	body, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
		IncludeReasoning: opts.EnableThinking,
	})
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := c.host + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if fault.IsCancelled(ctx.Err()) {
			return ctx.Err()
		}
		return fault.Transient(fmt.Errorf("POST %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
		if retryableStatus(resp.StatusCode) {
			return fault.Transient(err)
		}
		return fault.Upstream(err)
	}

	watchdog := time.AfterFunc(streamIdleTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(streamIdleTimeout)
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream line", "err", err)
			continue
		}
		if chunk.Error != "" {
			return fault.Upstream(fmt.Errorf("ollama: %s", chunk.Error))
		}
		if r := chunk.reasoning(); r != "" {
			if opts.EnableThinking {
				emit(Event{Kind: KindReasoning, Text: r})
			}
			continue
		}
		if chunk.Message.Content != "" {
			text := chunk.Message.Content
			if !opts.EnableThinking {
				text = stripThinkTags(text)
			}
			if text != "" {
				emit(Event{Kind: KindToken, Text: text})
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if fault.IsCancelled(ctx.Err()) {
			return fmt.Errorf("llm: stream aborted: %w", ctx.Err())
		}
		return fault.Transient(fmt.Errorf("llm: read stream: %w", err))
	}
	emit(Event{Kind: KindDone})
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}
