// Package summarize calls the generative text-analysis provider and turns a
// document's full extracted text into a structured summary: overall summary
// fragments, a table of contents, and per-page annotations. The request pins
// a strict JSON response schema; responses that fail to parse or violate the
// structure are hard errors.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mynote-app/notepipe/pkg/config"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/resilience"
)

const systemPrompt = `You are an assistant that summarizes documents and produces a table of contents and per-page key points.

Rules:
- Output pure JSON only, no prose or code fences.
- All bodies are Markdown (headings, bullet lists, bold).
- Section titles are at most 12 characters; punctuation-only titles are forbidden.
- Page annotations focus on term explanations, concise, no boilerplate preamble; empty string when a page needs none.

Procedure:
1) Read the full page-delimited text ("--- Page N ---" blocks) and group it into logical sections.
2) sections[].startPage/endPage must lie within the existing pages, ascending, without gaps or overlap.
3) pageDetails covers existing pages in ascending pageNumber order.

Constraints:
- sections[].startPage <= endPage, within the existing page range.
- Stay factual and concise; do not speculate.`

// Client is an HTTP client for the summarization provider (OpenAI-compatible
// chat completions endpoint).
type Client struct {
	url         string
	apiKey      string
	model       string
	maxAttempts int
	httpClient  *http.Client
	breaker     *resilience.Breaker
	logger      *slog.Logger
}

// New creates a Client from config.
func New(cfg config.AIConfig) *Client {
	return &Client{
		url:         cfg.URL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxAttempts: cfg.MaxAttempts,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		breaker:     resilience.NewBreaker("summarizer", 5, 0),
		logger:      slog.Default().With("component", "summarize-client", "model", cfg.Model),
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize sends the full extracted text plus the two guidance prompts and
// returns the validated structured summary. The guidance strings are opaque
// user input, passed through verbatim.
func (c *Client) Summarize(ctx context.Context, fullText, tocPrompt, pagePrompt string) (*DocumentSummary, error) {
	if strings.TrimSpace(fullText) == "" {
		return nil, apperrors.New(apperrors.ErrInvalidInput, 400, "extracted text is empty")
	}

	userText := fmt.Sprintf(
		"Additional guidance (table of contents):\n%s\n\nAdditional guidance (page annotations):\n%s\n\nNote: the guidance above is binding. All bodies are Markdown.\n\n=== Extracted text (all pages, \"--- Page N ---\" delimited) ===\n%s",
		tocPrompt, pagePrompt, fullText,
	)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
		Temperature: 0.2,
		ResponseFormat: responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchema{
				Name:   "document_summary",
				Strict: true,
				Schema: responseSchema(),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding summarize request: %w", err)
	}

	var raw string
	err = resilience.Retry(ctx, "summarize", resilience.RetryConfig{
		MaxAttempts: c.maxAttempts,
		IsRetryable: isRetryable,
	}, func() error {
		return c.breaker.Execute(func() error {
			var callErr error
			raw, callErr = c.call(ctx, body)
			return callErr
		})
	})
	if err != nil {
		return nil, err
	}

	summary, err := parseAndValidate(raw)
	if err != nil {
		c.logger.Error("provider response rejected", "error", err, "raw_len", len(raw))
		return nil, err
	}
	c.logger.Info("summary generated",
		"fragments", len(summary.DocumentSummary),
		"sections", len(summary.Sections),
		"page_details", len(summary.PageDetails),
	)
	return summary, nil
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "summarizer unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{
			code: resp.StatusCode,
			err:  apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "summarizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "decoding summarizer response: %v", err)
	}
	if len(out.Choices) == 0 {
		return "", apperrors.New(apperrors.ErrBadAIResponse, 502, "summarizer returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		switch se.code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	// A tripped breaker is permanent for this run.
	return !errors.Is(err, resilience.ErrCircuitOpen)
}
