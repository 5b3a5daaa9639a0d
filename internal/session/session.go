// Package session provides the session data model for curator.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusExported Status = "exported"
)

// ValidStatuses returns all valid status values.
func ValidStatuses() []Status {
	return []Status{StatusActive, StatusArchived, StatusExported}
}

// IsValidStatus returns true if the status is a valid status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusArchived, StatusExported:
		return true
	default:
		return false
	}
}

// ExportFormat identifies how a session was exported.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatFull ExportFormat = "full"
)

// ExportRecord is one entry in a session's export history.
type ExportRecord struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	User       string       `json:"user"`
	Format     ExportFormat `json:"format"`
	Filename   string       `json:"filename"`
	ImageCount int          `json:"image_count"`
}

// Session is a named collection of image records owned by one user.
// ImageCount always equals the number of image records currently attached;
// the storage layer maintains that invariant on every image add/remove.
type Session struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	User          string         `json:"user"`
	Status        Status         `json:"status"`
	ImageCount    int            `json:"image_count"`
	ExportHistory []ExportRecord `json:"export_history,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New creates a session with a fresh ID and active status.
func New(name, description, user string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		User:        user,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate checks required fields.
func (s *Session) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("session name is required")
	}
	if s.User == "" {
		return fmt.Errorf("session user is required")
	}
	if s.Status != "" && !IsValidStatus(s.Status) {
		return fmt.Errorf("invalid session status %q", s.Status)
	}
	return nil
}

// RecordExport appends an export record to the session history and marks the
// session exported.
func (s *Session) RecordExport(user string, format ExportFormat, filename string, imageCount int) ExportRecord {
	rec := ExportRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		User:       user,
		Format:     format,
		Filename:   filename,
		ImageCount: imageCount,
	}
	s.ExportHistory = append(s.ExportHistory, rec)
	s.Status = StatusExported
	s.UpdatedAt = rec.Timestamp
	return rec
}
