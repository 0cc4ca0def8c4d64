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

// compatClient speaks the OpenAI /v1/chat/completions SSE dialect, which
// covers OpenRouter, OpenAI, MiniMax, GLM and arbitrary custom servers.
type compatClient struct {
	baseURL string // already version-suffixed
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

func newCompat(baseURL, apiKey, model string, logger *slog.Logger) *compatClient {
	if apiKey == "" {
		apiKey = "not-needed" // local servers reject empty Authorization
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &compatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{},
		logger:  logger,
	}
}

func (c *compatClient) Model() string { return c.model }

// compatDelta is one streamed choice delta. Providers disagree on where
// reasoning text lives.
type compatDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
	Reasoning        string `json:"reasoning"`
	Thought          string `json:"thought"`
	ThoughtContent   string `json:"thought_content"`
}

func (d compatDelta) reasoning() string {
	for _, s := range []string{d.ReasoningContent, d.Reasoning, d.Thought, d.ThoughtContent} {
		if s != "" {
			return s
		}
	}
	return ""
}

type compatChunk struct {
	Choices []struct {
		Delta        compatDelta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *compatClient) buildBody(messages []Message, opts Options) map[string]any {
	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": opts.Temperature,
		"max_tokens":  opts.MaxTokens,
		"stream":      true,
	}
	if opts.EnableThinking {
		if strings.Contains(c.baseURL, "api.z.ai") {
			// GLM rejects a boolean "thinking" field.
			body["think"] = true
		} else {
			body["think"] = true
			body["thinking"] = true
			body["include_reasoning"] = true
		}
	} else if !strings.Contains(c.baseURL, "openai.com") {
		body["include_reasoning"] = false
		if strings.Contains(c.baseURL, "api.minimax.io") {
			// MiniMax packs <think> into content unless told to split.
			body["reasoning_split"] = true
		}
	}
	return body
}

func (c *compatClient) StreamChat(ctx context.Context, messages []Message, opts Options, emit func(Event)) error {
	if c.model == "" {
		return fault.Config("chat model not set")
	}

	payload, err := json.Marshal(c.buildBody(messages, opts))
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

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
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk compatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream event", "err", err)
			continue
		}
		if chunk.Error != nil {
			return fault.Upstream(fmt.Errorf("provider: %s", chunk.Error.Message))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if r := delta.reasoning(); r != "" {
			if opts.EnableThinking {
				emit(Event{Kind: KindReasoning, Text: r})
			}
			continue
		}
		if delta.Content != "" {
			text := delta.Content
			if !opts.EnableThinking {
				text = stripThinkTags(text)
			}
			if text != "" {
				emit(Event{Kind: KindToken, Text: text})
			}
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
