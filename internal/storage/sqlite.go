package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"curator/internal/image"
	"curator/internal/session"
)

// SQLiteStore is a Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and if needed creates) a SQLite store at the given path.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return open(path)
}

// OpenInMemory opens an in-memory store. Much faster than file-based
// databases and ideal for testing.
func OpenInMemory() (*SQLiteStore, error) {
	return open(":memory:")
}

func open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes internally; a single connection
	// avoids table-lock errors under concurrent handlers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			user TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			image_count INTEGER NOT NULL DEFAULT 0,
			export_history TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			original_filename TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			prompt TEXT NOT NULL DEFAULT '',
			generator TEXT NOT NULL DEFAULT 'other',
			settings TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			ai_scores TEXT NOT NULL DEFAULT '{}',
			quality_rating INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMP NOT NULL,
			uploaded_by TEXT NOT NULL DEFAULT '',
			UNIQUE(session_id, filename)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_images_session ON images(session_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Session operations ---

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	history, err := json.Marshal(sess.ExportHistory)
	if err != nil {
		return fmt.Errorf("marshal export history: %w", err)
	}
	if sess.ExportHistory == nil {
		history = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, description, user, status, image_count, export_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Description, sess.User, string(sess.Status),
		sess.ImageCount, string(history), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, user, status, image_count, export_history, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions owned by user, newest first.
// An empty user returns every session (used by the repair pass).
func (s *SQLiteStore) ListSessions(ctx context.Context, user string) ([]*session.Session, error) {
	query := `
		SELECT id, name, description, user, status, image_count, export_history, created_at, updated_at
		FROM sessions`
	args := []any{}
	if user != "" {
		query += " WHERE user = ?"
		args = append(args, user)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession persists session metadata changes. image_count is not
// written here; it is owned by the image mutation paths.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *session.Session) error {
	history, err := json.Marshal(sess.ExportHistory)
	if err != nil {
		return fmt.Errorf("marshal export history: %w", err)
	}
	if sess.ExportHistory == nil {
		history = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET name = ?, description = ?, status = ?, export_history = ?, updated_at = ?
		WHERE id = ?`,
		sess.Name, sess.Description, string(sess.Status), string(history),
		time.Now().UTC(), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session and all of its image records.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session images: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Image operations ---

// CreateImage inserts an image record and bumps the owning session's
// image_count in the same transaction.
func (s *SQLiteStore) CreateImage(ctx context.Context, rec *image.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	scores, tags, err := marshalImageJSON(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO images (id, session_id, filename, original_filename, file_path, file_size,
			width, height, prompt, generator, settings, description, ai_scores,
			quality_rating, tags, notes, uploaded_at, uploaded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Filename, rec.OriginalFilename, rec.FilePath, rec.FileSize,
		rec.Dimensions.Width, rec.Dimensions.Height, rec.Prompt, string(rec.Generator),
		rec.Settings, rec.Description, scores, rec.QualityRating, tags, rec.Notes,
		rec.UploadedAt, rec.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET image_count = image_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), rec.SessionID)
	if err != nil {
		return fmt.Errorf("bump image count: %w", err)
	}
	if err := requireRow(res); err != nil {
		return fmt.Errorf("image references unknown session %s: %w", rec.SessionID, err)
	}
	return tx.Commit()
}

// GetImage loads an image record by ID.
func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*image.Record, error) {
	row := s.db.QueryRowContext(ctx, imageSelect+` WHERE id = ?`, id)
	return scanImage(row)
}

// ListImages returns all image records in a session, oldest first.
func (s *SQLiteStore) ListImages(ctx context.Context, sessionID string) ([]*image.Record, error) {
	rows, err := s.db.QueryContext(ctx, imageSelect+` WHERE session_id = ? ORDER BY uploaded_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var records []*image.Record
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateImage persists changes to an existing image record.
func (s *SQLiteStore) UpdateImage(ctx context.Context, rec *image.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	scores, tags, err := marshalImageJSON(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE images
		SET filename = ?, original_filename = ?, file_path = ?, file_size = ?,
			width = ?, height = ?, prompt = ?, generator = ?, settings = ?,
			description = ?, ai_scores = ?, quality_rating = ?, tags = ?, notes = ?
		WHERE id = ?`,
		rec.Filename, rec.OriginalFilename, rec.FilePath, rec.FileSize,
		rec.Dimensions.Width, rec.Dimensions.Height, rec.Prompt, string(rec.Generator),
		rec.Settings, rec.Description, scores, rec.QualityRating, tags, rec.Notes, rec.ID)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	return requireRow(res)
}

// DeleteImage removes an image record and decrements the owning session's
// image_count in the same transaction.
func (s *SQLiteStore) DeleteImage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	if err := tx.QueryRowContext(ctx, `SELECT session_id FROM images WHERE id = ?`, id).Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("lookup image: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET image_count = image_count - 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID); err != nil {
		return fmt.Errorf("decrement image count: %w", err)
	}
	return tx.Commit()
}

// --- scanning helpers ---

const imageSelect = `
	SELECT id, session_id, filename, original_filename, file_path, file_size,
		width, height, prompt, generator, settings, description, ai_scores,
		quality_rating, tags, notes, uploaded_at, uploaded_by
	FROM images`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var status, history string
	err := row.Scan(&sess.ID, &sess.Name, &sess.Description, &sess.User, &status,
		&sess.ImageCount, &history, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = session.Status(status)
	if err := json.Unmarshal([]byte(history), &sess.ExportHistory); err != nil {
		return nil, fmt.Errorf("decode export history: %w", err)
	}
	return &sess, nil
}

func scanImage(row rowScanner) (*image.Record, error) {
	var rec image.Record
	var generator, scores, tags string
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Filename, &rec.OriginalFilename,
		&rec.FilePath, &rec.FileSize, &rec.Dimensions.Width, &rec.Dimensions.Height,
		&rec.Prompt, &generator, &rec.Settings, &rec.Description, &scores,
		&rec.QualityRating, &tags, &rec.Notes, &rec.UploadedAt, &rec.UploadedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan image: %w", err)
	}
	rec.Generator = image.Generator(generator)
	if err := json.Unmarshal([]byte(scores), &rec.AIScores); err != nil {
		return nil, fmt.Errorf("decode ai scores: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &rec, nil
}

func marshalImageJSON(rec *image.Record) (scores string, tags string, err error) {
	scoresJSON, err := json.Marshal(rec.AIScores)
	if err != nil {
		return "", "", fmt.Errorf("marshal ai scores: %w", err)
	}
	if rec.AIScores == nil {
		scoresJSON = []byte("{}")
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	if rec.Tags == nil {
		tagsJSON = []byte("[]")
	}
	return string(scoresJSON), string(tagsJSON), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
