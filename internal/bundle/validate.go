package bundle

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"curator/internal/image"
)

// FieldError describes one offending field in an invalid bundle.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError enumerates every offending field found in a bundle.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = fmt.Sprintf("%s: %s", f.Field, f.Reason)
	}
	return "invalid bundle: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// Validate checks an untrusted decoded JSON document against the bundle
// schema and returns a strongly typed Bundle on success. All offending
// fields are collected before returning, so callers see the full list at
// once. Unknown extra fields are ignored for forward compatibility, and
// bookkeeping fields from older export formats are accepted but unused.
//
// Per-image identity fields (filename, original_filename) may be absent;
// the importer skips such entries individually rather than rejecting the
// whole bundle. Fields that are present must have the right type and range.
func Validate(raw []byte) (*Bundle, error) {
	if !gjson.ValidBytes(raw) {
		verr := &ValidationError{}
		verr.add("(document)", "not valid JSON")
		return nil, verr
	}

	doc := gjson.ParseBytes(raw)
	verr := &ValidationError{}

	sess := doc.Get("session")
	switch {
	case !sess.Exists():
		verr.add("session", "required")
	case !sess.IsObject():
		verr.add("session", "must be an object")
	default:
		name := sess.Get("name")
		if !name.Exists() || name.Type != gjson.String || name.String() == "" {
			verr.add("session.name", "required non-empty string")
		}
	}

	images := doc.Get("images")
	switch {
	case !images.Exists():
		verr.add("images", "required (may be an empty list)")
	case !images.IsArray():
		verr.add("images", "must be a list")
	default:
		images.ForEach(func(i, img gjson.Result) bool {
			validateImage(fmt.Sprintf("images[%d]", i.Int()), img, verr)
			return true
		})
	}

	for _, field := range []string{"export_timestamp", "export_version"} {
		v := doc.Get(field)
		if !v.Exists() || v.Type != gjson.String {
			verr.add(field, "required string")
		}
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}

	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		verr.add("(document)", err.Error())
		return nil, verr
	}
	return &b, nil
}

func validateImage(prefix string, img gjson.Result, verr *ValidationError) {
	if !img.IsObject() {
		verr.add(prefix, "must be an object")
		return
	}

	for _, field := range []string{"filename", "original_filename", "prompt", "file_path", "notes", "description", "generation_settings"} {
		if v := img.Get(field); v.Exists() && v.Type != gjson.String {
			verr.add(prefix+"."+field, "must be a string")
		}
	}

	if v := img.Get("file_size"); v.Exists() {
		if v.Type != gjson.Number || v.Num < 0 {
			verr.add(prefix+".file_size", "must be a non-negative integer")
		}
	}

	for _, field := range []string{"image_dimensions.width", "image_dimensions.height"} {
		if v := img.Get(field); v.Exists() {
			if v.Type != gjson.Number || v.Num < 0 {
				verr.add(prefix+"."+field, "must be a non-negative integer")
			}
		}
	}

	if v := img.Get("generator_used"); v.Exists() {
		if v.Type != gjson.String || !image.IsValidGenerator(image.Generator(v.String())) {
			verr.add(prefix+".generator_used", "must be one of: midjourney, dalle, stable-diffusion, other")
		}
	}

	if v := img.Get("quality_rating"); v.Exists() {
		if v.Type != gjson.Number || v.Num != math.Trunc(v.Num) || v.Num < 1 || v.Num > 5 {
			verr.add(prefix+".quality_rating", "must be an integer between 1 and 5")
		}
	}

	if v := img.Get("ai_scores"); v.Exists() {
		if !v.IsObject() {
			verr.add(prefix+".ai_scores", "must be a map of name to number")
		} else {
			v.ForEach(func(k, score gjson.Result) bool {
				if score.Type != gjson.Number {
					verr.add(fmt.Sprintf("%s.ai_scores.%s", prefix, k.String()), "must be a number")
				}
				return true
			})
		}
	}

	if v := img.Get("tags"); v.Exists() {
		if !v.IsArray() {
			verr.add(prefix+".tags", "must be a list of strings")
		} else {
			v.ForEach(func(i, tag gjson.Result) bool {
				if tag.Type != gjson.String {
					verr.add(fmt.Sprintf("%s.tags[%d]", prefix, i.Int()), "must be a string")
				}
				return true
			})
		}
	}
}
