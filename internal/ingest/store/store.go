// Package store persists notes, note pages, and categories in PostgreSQL.
// Sections are owned by the applier, which rewrites them wholesale inside its
// own transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mynote-app/notepipe/internal/ingest"
	apperrors "github.com/mynote-app/notepipe/pkg/errors"
	"github.com/mynote-app/notepipe/pkg/postgres"
)

// PlaceholderDescription marks a note whose pipeline has not finished yet.
// The applier overwrites it with the generated overall summary.
const PlaceholderDescription = "Awaiting AI analysis"

// Note is a persisted note record.
type Note struct {
	ID               int64
	UserID           int64
	CategoryID       int64
	Title            string
	Description      string
	OriginalFilename string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Category is a persisted category with optional prompt defaults.
type Category struct {
	ID         int64
	UserID     int64
	Name       string
	TOCPrompt  string
	PagePrompt string
}

// Store provides note/page/category persistence.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a Store.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

// CreateNote inserts the placeholder note that anchors an ingestion run and
// returns its id. The note is visible to its owner immediately.
func (s *Store) CreateNote(ctx context.Context, userID, categoryID int64, title, originalFilename string) (int64, error) {
	var noteID int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO notes (user_id, category_id, title, description, original_filename)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		userID, categoryID, title, PlaceholderDescription, originalFilename,
	).Scan(&noteID)
	if err != nil {
		return 0, fmt.Errorf("inserting note: %w", err)
	}
	s.logger.Info("placeholder note created", "note_id", noteID, "user_id", userID)
	return noteID, nil
}

// FindNote loads a note by id.
func (s *Store) FindNote(ctx context.Context, noteID int64) (*Note, error) {
	var n Note
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, user_id, category_id, title, description, original_filename, created_at, updated_at
		 FROM notes WHERE id = $1`, noteID,
	).Scan(&n.ID, &n.UserID, &n.CategoryID, &n.Title, &n.Description, &n.OriginalFilename, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNoteNotFound, 404, "note %d", noteID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying note %d: %w", noteID, err)
	}
	return &n, nil
}

// InsertPages writes the rendered page rows for a note in one transaction.
// Page numbers are expected to be contiguous starting at 1.
func (s *Store) InsertPages(ctx context.Context, noteID int64, pages []ingest.PageArtifact) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, p := range pages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO note_pages (note_id, page_number, public_url, storage_uri, extracted_text)
				 VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
				noteID, p.PageNumber, p.PublicURL, p.Locator, p.EmbeddedText,
			); err != nil {
				return fmt.Errorf("inserting page %d: %w", p.PageNumber, err)
			}
		}
		return nil
	})
}

// DeleteNote removes a note and, via cascades, its pages and sections. It
// returns the note so callers can derive the blob prefix for cleanup.
func (s *Store) DeleteNote(ctx context.Context, userID, noteID int64) (*Note, error) {
	note, err := s.FindNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.UserID != userID {
		return nil, apperrors.Newf(apperrors.ErrNoteNotFound, 404, "note %d", noteID)
	}
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM notes WHERE id = $1`, noteID); err != nil {
		return nil, fmt.Errorf("deleting note %d: %w", noteID, err)
	}
	s.logger.Info("note deleted", "note_id", noteID, "user_id", userID)
	return note, nil
}

// FindCategory loads a category owned by userID.
func (s *Store) FindCategory(ctx context.Context, userID, categoryID int64) (*Category, error) {
	var c Category
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, user_id, name, COALESCE(toc_prompt, ''), COALESCE(page_prompt, '')
		 FROM categories WHERE id = $1 AND user_id = $2`, categoryID, userID,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.TOCPrompt, &c.PagePrompt)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrCategoryNotFound, 404, "category %d", categoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying category %d: %w", categoryID, err)
	}
	return &c, nil
}

// CreateCategory inserts a category, optionally with prompt defaults.
func (s *Store) CreateCategory(ctx context.Context, userID int64, name, tocPrompt, pagePrompt string) (int64, error) {
	var id int64
	err := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO categories (user_id, name, toc_prompt, page_prompt)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		 RETURNING id`,
		userID, name, tocPrompt, pagePrompt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting category: %w", err)
	}
	return id, nil
}

// SaveCategoryPrompts overwrites a category's guidance defaults.
func (s *Store) SaveCategoryPrompts(ctx context.Context, userID, categoryID int64, tocPrompt, pagePrompt string) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE categories SET toc_prompt = NULLIF($3, ''), page_prompt = NULLIF($4, '')
		 WHERE id = $1 AND user_id = $2`,
		categoryID, userID, tocPrompt, pagePrompt,
	)
	if err != nil {
		return fmt.Errorf("updating category %d prompts: %w", categoryID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrCategoryNotFound, 404, "category %d", categoryID)
	}
	return nil
}
