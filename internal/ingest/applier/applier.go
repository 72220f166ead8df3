// Package applier persists a validated document summary: the note description,
// the table-of-contents sections, and per-page annotations, all in a single
// transaction so readers never observe a half-applied summary.
package applier

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mynote-app/notepipe/internal/ingest/summarize"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/postgres"
)

// fragmentSeparator joins overall-summary fragments into one Markdown body.
const fragmentSeparator = "\n\n---\n\n"

// Applier writes summaries into the notes schema.
type Applier struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates an Applier.
func New(db *postgres.Client) *Applier {
	return &Applier{
		db:     db,
		logger: slog.Default().With("component", "applier"),
	}
}

// Apply persists the summary for noteID. Sections are replaced wholesale with
// a fresh 1-based order, so re-applying is idempotent. Page annotations are
// matched by page number; a detail for a page that does not exist is logged
// and skipped, and blank annotations are skipped without clearing anything.
func (a *Applier) Apply(ctx context.Context, noteID int64, summary *summarize.DocumentSummary) error {
	return a.db.InTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM notes WHERE id = $1)`, noteID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking note %d: %w", noteID, err)
		}
		if !exists {
			return apperrors.Newf(apperrors.ErrNoteNotFound, 404, "note %d", noteID)
		}

		pageIDs, maxPage, err := a.loadPages(ctx, tx, noteID)
		if err != nil {
			return err
		}

		if err := a.applyDescription(ctx, tx, noteID, summary.DocumentSummary); err != nil {
			return err
		}
		if err := a.applySections(ctx, tx, noteID, maxPage, summary.Sections); err != nil {
			return err
		}
		if err := a.applyPageDetails(ctx, tx, noteID, pageIDs, summary.PageDetails); err != nil {
			return err
		}
		return nil
	})
}

func (a *Applier) loadPages(ctx context.Context, tx *sql.Tx, noteID int64) (map[int]int64, int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, page_number FROM note_pages WHERE note_id = $1`, noteID)
	if err != nil {
		return nil, 0, fmt.Errorf("querying pages for note %d: %w", noteID, err)
	}
	defer rows.Close()

	pageIDs := make(map[int]int64)
	maxPage := 0
	for rows.Next() {
		var id int64
		var num int
		if err := rows.Scan(&id, &num); err != nil {
			return nil, 0, fmt.Errorf("scanning page row: %w", err)
		}
		pageIDs[num] = id
		if num > maxPage {
			maxPage = num
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating page rows: %w", err)
	}
	return pageIDs, maxPage, nil
}

func (a *Applier) applyDescription(ctx context.Context, tx *sql.Tx, noteID int64, fragments []summarize.SummaryFragment) error {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if strings.TrimSpace(f.OverallSummaryMd) == "" {
			continue
		}
		parts = append(parts, f.OverallSummaryMd)
	}
	if len(parts) == 0 {
		// Keep the placeholder description rather than blanking it.
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE notes SET description = $2, updated_at = now() WHERE id = $1`,
		noteID, strings.Join(parts, fragmentSeparator),
	); err != nil {
		return fmt.Errorf("updating note %d description: %w", noteID, err)
	}
	return nil
}

func (a *Applier) applySections(ctx context.Context, tx *sql.Tx, noteID int64, maxPage int, sections []summarize.Section) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM note_sections WHERE note_id = $1`, noteID,
	); err != nil {
		return fmt.Errorf("clearing sections for note %d: %w", noteID, err)
	}

	for i, s := range sections {
		start, end := clampRange(s.StartPage, s.EndPage, maxPage)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO note_sections (note_id, order_index, title, start_page, end_page, content_summary)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			noteID, i+1, truncateTitle(s.Title), start, end, s.ContentSummaryMd,
		); err != nil {
			return fmt.Errorf("inserting section %d for note %d: %w", i+1, noteID, err)
		}
	}
	return nil
}

func (a *Applier) applyPageDetails(ctx context.Context, tx *sql.Tx, noteID int64, pageIDs map[int]int64, details []summarize.PageDetail) error {
	for _, d := range details {
		if strings.TrimSpace(d.DetailedExplanationMd) == "" {
			continue
		}
		pageID, ok := pageIDs[d.PageNumber]
		if !ok {
			a.logger.Warn("annotation targets a page that does not exist",
				"note_id", noteID, "page_number", d.PageNumber)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE note_pages SET annotation = $2 WHERE id = $1`,
			pageID, d.DetailedExplanationMd,
		); err != nil {
			return fmt.Errorf("annotating page %d of note %d: %w", d.PageNumber, noteID, err)
		}
	}
	return nil
}

// truncateTitle caps a title at the schema limit, counted in codepoints so
// multi-byte scripts survive intact.
func truncateTitle(title string) string {
	if utf8.RuneCountInString(title) <= summarize.MaxSectionTitleRunes {
		return title
	}
	runes := []rune(title)
	return string(runes[:summarize.MaxSectionTitleRunes])
}

// clampRange forces a section's page range inside 1..maxPage while preserving
// start <= end.
func clampRange(start, end, maxPage int) (int, int) {
	if maxPage < 1 {
		return 1, 1
	}
	if start < 1 {
		start = 1
	}
	if start > maxPage {
		start = maxPage
	}
	if end > maxPage {
		end = maxPage
	}
	if end < start {
		end = start
	}
	return start, end
}
