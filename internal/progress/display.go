package progress

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Display wraps a Tracker and renders every stored update as a single
// rewritten terminal line. It is meant for headless CLI runs where no
// SSE or WebSocket consumer is watching.
type Display struct {
	inner Tracker
	out   io.Writer
	quiet bool

	mu       sync.Mutex
	lineLive bool
}

// NewDisplay creates a rendering tracker around inner. Output goes to out,
// typically os.Stderr so piped exports stay clean.
func NewDisplay(inner Tracker, out io.Writer, quiet bool) *Display {
	return &Display{inner: inner, out: out, quiet: quiet}
}

func (d *Display) Update(ctx context.Context, key string, up Update) (Update, error) {
	merged, err := d.inner.Update(ctx, key, up)
	if err == nil {
		d.render(merged)
	}
	return merged, err
}

func (d *Display) Get(ctx context.Context, key string) (Update, bool, error) {
	return d.inner.Get(ctx, key)
}

func (d *Display) Delete(ctx context.Context, key string) error {
	return d.inner.Delete(ctx, key)
}

func (d *Display) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	return d.inner.Sweep(ctx, maxAge)
}

func (d *Display) render(u Update) {
	if d.quiet && !u.Status.IsTerminal() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch u.Status {
	case StatusComplete:
		d.clearLine()
		fmt.Fprintf(d.out, "done: %d images", u.ProcessedImages)
		if u.FailedImages > 0 {
			fmt.Fprintf(d.out, " (%d failed)", u.FailedImages)
		}
		fmt.Fprintln(d.out)
	case StatusError:
		d.clearLine()
		fmt.Fprintf(d.out, "failed: %s\n", u.Error)
	default:
		line := fmt.Sprintf("\r%s | %d/%d images | %.1f%%",
			u.Status, u.ProcessedImages, u.TotalImages, u.Percentage)
		if u.EstimatedTimeRemaining > 0 {
			line += fmt.Sprintf(" | ETA %s", formatDuration(u.EstimatedTimeRemaining))
		}
		if u.CurrentImage != "" {
			line += " | " + u.CurrentImage
		}
		if len(line) > 100 {
			line = line[:100]
		}
		fmt.Fprint(d.out, line)
		d.lineLive = true
	}
}

// clearLine erases the in-place progress line before a final message.
func (d *Display) clearLine() {
	if d.lineLive {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", 100)+"\r")
		d.lineLive = false
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
