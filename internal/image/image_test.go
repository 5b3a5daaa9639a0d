package image

import (
	"strings"
	"testing"
)

func TestParseGenerator(t *testing.T) {
	tests := []struct {
		in   string
		want Generator
	}{
		{"midjourney", GeneratorMidjourney},
		{"dalle", GeneratorDalle},
		{"stable-diffusion", GeneratorStableDiffusion},
		{"other", GeneratorOther},
		{"Midjourney ", GeneratorMidjourney},
		{"sd", GeneratorOther},
		{"", GeneratorOther},
	}

	for _, tt := range tests {
		if got := ParseGenerator(tt.in); got != tt.want {
			t.Errorf("ParseGenerator(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewStoredFilename(t *testing.T) {
	got := NewStoredFilename("My Photo.PNG")
	if !strings.HasSuffix(got, ".png") {
		t.Errorf("expected lowercase .png suffix, got %q", got)
	}
	if got == NewStoredFilename("My Photo.PNG") {
		t.Error("stored filenames must be unique per call")
	}
}

func TestRecordValidate(t *testing.T) {
	valid := Record{
		SessionID: "s1",
		Filename:  "a.png",
		Generator: GeneratorDalle,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid record rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing session", func(r *Record) { r.SessionID = "" }},
		{"missing filename", func(r *Record) { r.Filename = "" }},
		{"negative size", func(r *Record) { r.FileSize = -1 }},
		{"bad generator", func(r *Record) { r.Generator = "mspaint" }},
		{"rating too high", func(r *Record) { r.QualityRating = 6 }},
		{"rating too low", func(r *Record) { r.QualityRating = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
