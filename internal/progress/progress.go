// Package progress tracks and fans out export/import progress updates.
//
// Updates are keyed by session+user and flow through two surfaces: a
// Tracker (polled, survives across requests) and a Publisher (live fan-out
// for SSE and WebSocket consumers). Both are best-effort: a failure to
// record or deliver progress must never fail the operation it describes.
package progress

import (
	"time"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusValidating Status = "validating"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// statusRank orders statuses for monotonicity: a stored status never
// regresses to an earlier one.
var statusRank = map[Status]int{
	StatusStarting:   0,
	StatusValidating: 1,
	StatusProcessing: 2,
	StatusComplete:   3,
	StatusError:      3,
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Update is one progress snapshot for an operation.
type Update struct {
	Status                 Status        `json:"status"`
	TotalImages            int           `json:"totalImages"`
	ProcessedImages        int           `json:"processedImages"`
	FailedImages           int           `json:"failedImages"`
	CurrentImage           string        `json:"currentImage,omitempty"`
	Percentage             float64       `json:"percentage"`
	EstimatedTimeRemaining time.Duration `json:"estimatedTimeRemaining,omitempty"`
	Message                string        `json:"message"`
	Error                  string        `json:"error,omitempty"`
	UpdatedAt              time.Time     `json:"updatedAt"`
}

// Key builds the tracker key for a session+user pair.
func Key(sessionID, userID string) string {
	return sessionID + ":" + userID
}

// merge applies incoming onto prev, enforcing monotonic status and
// percentage. Terminal states stick: once complete or error, only the
// terminal fields refresh.
func merge(prev Update, incoming Update) Update {
	out := incoming
	out.UpdatedAt = time.Now().UTC()

	if statusRank[incoming.Status] < statusRank[prev.Status] {
		out.Status = prev.Status
	}
	if incoming.Percentage < prev.Percentage {
		out.Percentage = prev.Percentage
	}
	if out.Status == StatusComplete && out.Error == "" {
		out.Percentage = 100
	}
	return out
}
