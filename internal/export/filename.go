package export

import (
	"regexp"
	"strings"
	"time"

	"curator/internal/session"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// BundleFilename derives the download filename for a session export, for
// example "my_session_20260831_120000.zip". Unsafe characters in the
// session name are collapsed to underscores.
func BundleFilename(sess *session.Session, format session.ExportFormat) string {
	name := unsafeFilenameChars.ReplaceAllString(strings.TrimSpace(sess.Name), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "session"
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	ext := ".zip"
	if format == session.FormatJSON {
		ext = ".json"
	}
	return name + "_" + stamp + ext
}
