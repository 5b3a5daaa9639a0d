// Package image provides the image record data model for curator.
package image

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator identifies the tool that produced an image.
type Generator string

const (
	GeneratorMidjourney      Generator = "midjourney"
	GeneratorDalle           Generator = "dalle"
	GeneratorStableDiffusion Generator = "stable-diffusion"
	GeneratorOther           Generator = "other"
)

// ValidGenerators returns all valid generator values.
func ValidGenerators() []Generator {
	return []Generator{GeneratorMidjourney, GeneratorDalle, GeneratorStableDiffusion, GeneratorOther}
}

// IsValidGenerator returns true if g is a known generator value.
func IsValidGenerator(g Generator) bool {
	switch g {
	case GeneratorMidjourney, GeneratorDalle, GeneratorStableDiffusion, GeneratorOther:
		return true
	default:
		return false
	}
}

// ParseGenerator maps a raw string onto a Generator, defaulting to "other"
// for anything unrecognized.
func ParseGenerator(s string) Generator {
	g := Generator(strings.ToLower(strings.TrimSpace(s)))
	if IsValidGenerator(g) {
		return g
	}
	return GeneratorOther
}

// Dimensions holds pixel dimensions of an image.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Record is one annotated image within a session.
//
// FilePath is always stored relative to the data root so collections stay
// portable across machines and containers.
type Record struct {
	ID               string             `json:"id"`
	SessionID        string             `json:"session_id"`
	Filename         string             `json:"filename"`
	OriginalFilename string             `json:"original_filename"`
	FilePath         string             `json:"file_path"`
	FileSize         int64              `json:"file_size"`
	Dimensions       Dimensions         `json:"image_dimensions"`
	Prompt           string             `json:"prompt"`
	Generator        Generator          `json:"generator_used"`
	Settings         string             `json:"generation_settings,omitempty"`
	Description      string             `json:"description,omitempty"`
	AIScores         map[string]float64 `json:"ai_scores,omitempty"`
	QualityRating    int                `json:"quality_rating,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	UploadedAt       time.Time          `json:"uploaded_at"`
	UploadedBy       string             `json:"uploaded_by"`
}

// NewStoredFilename derives a collision-resistant stored filename from an
// uploaded name, preserving the original extension.
func NewStoredFilename(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	return uuid.NewString() + ext
}

// Validate checks required fields and value ranges.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if r.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	if r.FileSize < 0 {
		return fmt.Errorf("file_size must be non-negative")
	}
	if !IsValidGenerator(r.Generator) {
		return fmt.Errorf("invalid generator_used %q", r.Generator)
	}
	if r.QualityRating != 0 && (r.QualityRating < 1 || r.QualityRating > 5) {
		return fmt.Errorf("quality_rating must be between 1 and 5")
	}
	return nil
}
