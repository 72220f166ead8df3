// Package render turns a source document into a sequence of page images using
// go-fitz (MuPDF). Pages are produced one at a time through a callback so the
// pipeline never holds more than a single rasterized page in memory.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"strings"

	"github.com/gen2brain/go-fitz"

	apperrors "github.com/mynote-app/notepipe/pkg/errors"
)

// Page is one rendered page handed to the sink callback. Image holds PNG
// bytes; EmbeddedText is only populated when Options.ExtractText is set.
type Page struct {
	Number       int
	Image        []byte
	ContentType  string
	EmbeddedText string
}

// Options controls rasterization.
type Options struct {
	DPI         int
	MaxPages    int
	ExtractText bool
}

// Sink receives each page in order. Returning an error aborts the render.
type Sink func(Page) error

// Renderer rasterizes documents page by page.
type Renderer struct {
	logger *slog.Logger
}

// New creates a Renderer.
func New() *Renderer {
	return &Renderer{logger: slog.Default().With("component", "renderer")}
}

// Render opens the document, validates it, and streams every page through
// sink in order, starting at page 1. It returns the page count. Rendering is
// deterministic for identical input bytes and options. Validation failures
// are reported before sink is ever invoked.
func (r *Renderer) Render(ctx context.Context, document []byte, opts Options, sink Sink) (int, error) {
	if len(document) == 0 {
		return 0, apperrors.New(apperrors.ErrEmptyDocument, 400, "document is empty")
	}
	if opts.DPI <= 0 {
		opts.DPI = 300
	}

	doc, err := fitz.NewFromMemory(document)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ErrEmptyDocument, 400, "opening document: %v", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return 0, apperrors.New(apperrors.ErrEmptyDocument, 400, "document has no pages")
	}
	if opts.MaxPages > 0 && pageCount > opts.MaxPages {
		return 0, apperrors.Newf(apperrors.ErrInvalidInput, 400,
			"document has %d pages, limit is %d", pageCount, opts.MaxPages)
	}

	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		pageNo := i + 1

		img, err := doc.ImageDPI(i, float64(opts.DPI))
		if err != nil {
			return 0, fmt.Errorf("rasterizing page %d: %w", pageNo, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return 0, fmt.Errorf("encoding page %d: %w", pageNo, err)
		}

		var text string
		if opts.ExtractText {
			text, err = doc.Text(i)
			if err != nil {
				// Missing text layer is not fatal; OCR covers it.
				r.logger.Warn("embedded text extraction failed", "page", pageNo, "error", err)
				text = ""
			}
			text = strings.TrimSpace(text)
		}

		if err := sink(Page{
			Number:       pageNo,
			Image:        buf.Bytes(),
			ContentType:  "image/png",
			EmbeddedText: text,
		}); err != nil {
			return 0, fmt.Errorf("page %d: %w", pageNo, err)
		}
	}

	r.logger.Debug("document rendered", "pages", pageCount, "dpi", opts.DPI)
	return pageCount, nil
}
