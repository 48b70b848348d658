package infer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seclab/vulnreview/internal/common"
	"github.com/seclab/vulnreview/internal/entity"
)

// Client implements Inferer against an OpenAI-compatible
// chat/completions endpoint. Transient failures are retried a bounded
// number of times with doubling backoff; after exhaustion the error is
// returned and the run halts at its resume point.
type Client struct {
	cfg        common.LLMConfig
	httpClient *http.Client
	prompt     PromptBuilder
	log        *slog.Logger
}

type Option func(*Client)

// WithPromptBuilder replaces the default pass-through prompt.
func WithPromptBuilder(pb PromptBuilder) Option {
	return func(c *Client) {
		if pb != nil {
			c.prompt = pb
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(cfg common.LLMConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		prompt:     func(it *entity.Item) string { return it.SourceText },
		log:        logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Infer sends the item's prompt and returns the raw response text.
func (c *Client) Infer(ctx context.Context, item *entity.Item) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages": []map[string]any{
			{"role": "user", "content": c.prompt(item)},
		},
	}

	c.log.Info("infer.request",
		"req_id", rid,
		"item", item.ItemKey.String(),
		"model", c.cfg.Model,
		"max_retries", c.cfg.MaxRetries,
	)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	backoff := c.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("infer.retry",
				"req_id", rid,
				"item", item.ItemKey.String(),
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		raw, err := c.post(ctx, endpoint, body)
		if err != nil {
			lastErr = err
			continue
		}
		content, err := extractContent(raw)
		if err != nil {
			lastErr = err
			continue
		}
		c.log.Info("infer.ok",
			"req_id", rid,
			"item", item.ItemKey.String(),
			"content_len", len(content),
			"attempts", attempt+1,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return content, nil
	}

	c.log.Error("infer.exhausted",
		"req_id", rid,
		"item", item.ItemKey.String(),
		"attempts", c.cfg.MaxRetries+1,
		"error", lastErr,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return "", fmt.Errorf("inference failed after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("infer.response_body_close_error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func extractContent(raw []byte) (string, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("no choices in inference response")
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
