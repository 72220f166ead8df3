// Package ocr calls the text-extraction provider. The provider receives the
// full list of page-image locators for a run in one request; the client
// reassembles its per-image results into page-order text blocks regardless of
// the order the provider returns them in.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/mynote-app/notepipe/internal/ingest"
	"github.com/mynote-app/notepipe/pkg/config"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/resilience"
)

// Client is an HTTP client for the OCR provider.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client from config.
func New(cfg config.OCRConfig) *Client {
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default().With("component", "ocr-client"),
	}
}

type request struct {
	Images []requestImage `json:"images"`
}

type requestImage struct {
	Index   int    `json:"index"`
	Locator string `json:"locator"`
}

type response struct {
	Results []result `json:"results"`
}

type result struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Extract runs OCR over the given locators and returns the recognized text as
// "--- Page N ---" blocks in locator order. Zero locators short-circuits to
// "" without contacting the provider.
func (c *Client) Extract(ctx context.Context, locators []string) (string, error) {
	if len(locators) == 0 {
		return "", nil
	}

	req := request{Images: make([]requestImage, 0, len(locators))}
	for i, loc := range locators {
		if strings.TrimSpace(loc) == "" {
			continue
		}
		req.Images = append(req.Images, requestImage{Index: i, Locator: loc})
	}
	if len(req.Images) == 0 {
		return "", nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding ocr request: %w", err)
	}

	var resp response
	err = resilience.Retry(ctx, "ocr-extract", resilience.RetryConfig{
		MaxAttempts: 3,
		IsRetryable: isRetryable,
	}, func() error {
		return c.post(ctx, body, &resp)
	})
	if err != nil {
		return "", err
	}

	// Reorder by request index so out-of-order provider results cannot
	// scramble page order.
	byIndex := make(map[int]string, len(resp.Results))
	for _, r := range resp.Results {
		byIndex[r.Index] = r.Text
	}
	indexes := make([]int, 0, len(req.Images))
	for _, img := range req.Images {
		indexes = append(indexes, img.Index)
	}
	sort.Ints(indexes)

	blocks := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		blocks = append(blocks, ingest.FormatPageBlock(idx+1, byIndex[idx]))
	}
	text := strings.Join(blocks, "\n\n")
	c.logger.Info("ocr finished", "pages", len(indexes), "text_len", len(text))
	return text, nil
}

func (c *Client) post(ctx context.Context, body []byte, out *response) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building ocr request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "ocr provider unreachable: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &statusError{
			code: httpResp.StatusCode,
			err:  apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "ocr provider returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return apperrors.Newf(apperrors.ErrUpstream, http.StatusBadGateway, "decoding ocr response: %v", err)
	}
	return nil
}

type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string { return e.err.Error() }
func (e *statusError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	se, ok := err.(*statusError)
	if !ok {
		// Transport errors are worth retrying.
		return true
	}
	switch se.code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
