// Package storage provides the metadata store for curator sessions and
// image records. The SQLite backend is the default; all implementations
// must keep a session's image_count equal to the number of image records
// that remain after every mutation.
package storage

import (
	"context"
	"errors"

	"curator/internal/image"
	"curator/internal/session"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the metadata operations curator needs.
// All implementations must be safe for concurrent access.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, user string) ([]*session.Session, error)
	UpdateSession(ctx context.Context, s *session.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Image operations
	CreateImage(ctx context.Context, rec *image.Record) error
	GetImage(ctx context.Context, id string) (*image.Record, error)
	ListImages(ctx context.Context, sessionID string) ([]*image.Record, error)
	UpdateImage(ctx context.Context, rec *image.Record) error
	DeleteImage(ctx context.Context, id string) error

	// Lifecycle
	Close() error
}
