// Package bundle defines the portable export/import unit for curator
// sessions: a metadata document plus, in archive form, one binary entry per
// image under the images/ prefix.
package bundle

import (
	"time"

	"curator/internal/image"
)

// FormatVersion is the current bundle format version.
const FormatVersion = "1.0.0"

// MetadataFilename is the name of the metadata entry inside an archive bundle.
const MetadataFilename = "metadata.json"

// ImagesPrefix is the archive folder holding image binaries.
const ImagesPrefix = "images/"

// SessionMeta is the partial session carried in a bundle.
type SessionMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Bookkeeping from older exporters; accepted, never used on import.
	ID        string `json:"id,omitempty"`
	User      string `json:"user,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ImageMeta is the partial image record carried in a bundle. FilePath, when
// set, points at the image's binary entry inside the archive.
type ImageMeta struct {
	Filename         string             `json:"filename"`
	OriginalFilename string             `json:"original_filename"`
	FilePath         string             `json:"file_path,omitempty"`
	FileSize         int64              `json:"file_size"`
	Dimensions       image.Dimensions   `json:"image_dimensions"`
	Prompt           string             `json:"prompt"`
	Generator        string             `json:"generator_used"`
	Settings         string             `json:"generation_settings,omitempty"`
	Description      string             `json:"description,omitempty"`
	AIScores         map[string]float64 `json:"ai_scores,omitempty"`
	QualityRating    int                `json:"quality_rating,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Notes            string             `json:"notes,omitempty"`

	// Bookkeeping from older exporters; accepted, ignored on import to
	// avoid identity collisions with records already in the store.
	ID         string `json:"id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	UploadedAt string `json:"uploaded_at,omitempty"`
	UploadedBy string `json:"uploaded_by,omitempty"`
}

// ExportStats summarizes file validation results at export time.
type ExportStats struct {
	TotalImages  int `json:"total_images"`
	ValidFiles   int `json:"valid_files"`
	InvalidFiles int `json:"invalid_files"`
}

// Bundle is the top-level metadata document.
type Bundle struct {
	Session         SessionMeta  `json:"session"`
	Images          []ImageMeta  `json:"images"`
	ExportTimestamp string       `json:"export_timestamp"`
	ExportVersion   string       `json:"export_version"`
	ExportStats     *ExportStats `json:"export_stats,omitempty"`
}

// New creates an empty bundle stamped with the current time and version.
func New(sess SessionMeta) *Bundle {
	return &Bundle{
		Session:         sess,
		Images:          []ImageMeta{},
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
		ExportVersion:   FormatVersion,
	}
}
