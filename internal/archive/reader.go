package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// Reader reads entries from an in-memory archive bundle. Lookups tolerate
// the path quirks of legacy bundles: leading slashes, or a bare filename
// where images/<filename> was meant.
type Reader struct {
	zr *zip.Reader
	// byName maps normalized entry paths to files; byBase maps bare
	// filenames for legacy lookups (first entry wins on collision).
	byName map[string]*zip.File
	byBase map[string]*zip.File
	names  []string
}

// OpenReader opens an archive from bytes. Uploads are already bounded by
// the import size limit, so holding the raw archive in memory is fine; the
// zip central directory requires random access anyway.
func OpenReader(data []byte) (*Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	r := &Reader{
		zr:     zr,
		byName: make(map[string]*zip.File),
		byBase: make(map[string]*zip.File),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := NormalizePath(f.Name)
		r.names = append(r.names, name)
		r.byName[name] = f
		base := path.Base(name)
		if _, seen := r.byBase[base]; !seen {
			r.byBase[base] = f
		}
	}
	return r, nil
}

// NormalizePath strips leading slashes and backslash separators from an
// entry path.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimLeft(p, "/")
}

// Entries returns the normalized paths of all file entries.
func (r *Reader) Entries() []string {
	return r.names
}

// Has reports whether an entry exists at the given path, after
// normalization and legacy fallbacks.
func (r *Reader) Has(p string) bool {
	_, ok := r.lookup(p)
	return ok
}

// ReadFile extracts the bytes of the named entry. The path is normalized
// first; if no exact entry matches, a bare-filename match anywhere in the
// archive is accepted for legacy bundles.
func (r *Reader) ReadFile(p string) ([]byte, error) {
	f, ok := r.lookup(p)
	if !ok {
		return nil, fmt.Errorf("entry %s not found in archive", NormalizePath(p))
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", f.Name, err)
	}
	return data, nil
}

func (r *Reader) lookup(p string) (*zip.File, bool) {
	name := NormalizePath(p)
	if f, ok := r.byName[name]; ok {
		return f, true
	}
	if f, ok := r.byBase[path.Base(name)]; ok {
		return f, true
	}
	return nil, false
}
