package paths

import (
	"context"
	"fmt"

	"curator/internal/image"
	"curator/internal/util"
)

// RepairReport summarizes an offline repair pass.
type RepairReport struct {
	SessionsScanned int      `json:"sessions_scanned"`
	ImagesScanned   int      `json:"images_scanned"`
	Healed          int      `json:"healed"`
	Copied          int      `json:"copied"`
	Missing         int      `json:"missing"`
	Errors          []string `json:"errors,omitempty"`
}

// RepairAll walks every session and heals each image record's stored path.
// Files found at a non-canonical location are copied (never moved) into the
// canonical one before the metadata is rewritten, so the original stays in
// place until the operator confirms the result. Running the pass twice
// produces no further changes the second time.
func (r *Resolver) RepairAll(ctx context.Context) (*RepairReport, error) {
	sessions, err := r.store.ListSessions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	report := &RepairReport{}
	for _, sess := range sessions {
		report.SessionsScanned++

		images, err := r.store.ListImages(ctx, sess.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("session %s: list images: %v", sess.ID, err))
			continue
		}

		for _, rec := range images {
			report.ImagesScanned++
			if err := ctx.Err(); err != nil {
				return report, err
			}

			origPath := rec.FilePath
			found, err := r.Resolve(ctx, rec)
			if err != nil {
				report.Missing++
				report.Errors = append(report.Errors, err.Error())
				continue
			}

			canonical := r.Canonical(rec)
			canonRel := CanonicalRelPath(rec.SessionID, rec.Filename)
			switch {
			case found != canonical:
				// File lives elsewhere: copy it home, then point the
				// metadata at the canonical location.
				if !util.FileExists(canonical) {
					if err := util.CopyFile(found, canonical); err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("image %s: copy to canonical: %v", rec.ID, err))
						continue
					}
					report.Copied++
					r.logger.Info("copied file to canonical location", "image", rec.ID, "from", found, "to", canonical)
				}
				if err := r.rewriteToCanonical(ctx, rec); err != nil {
					report.Errors = append(report.Errors, err.Error())
					continue
				}
				report.Healed++
			case rec.FilePath != canonRel:
				if err := r.rewriteToCanonical(ctx, rec); err != nil {
					report.Errors = append(report.Errors, err.Error())
					continue
				}
				report.Healed++
			case origPath != rec.FilePath:
				// Resolve already healed the stored path in passing.
				report.Healed++
			}
		}
	}
	return report, nil
}

func (r *Resolver) rewriteToCanonical(ctx context.Context, rec *image.Record) error {
	rec.FilePath = CanonicalRelPath(rec.SessionID, rec.Filename)
	if err := r.store.UpdateImage(ctx, rec); err != nil {
		return fmt.Errorf("image %s: rewrite path: %w", rec.ID, err)
	}
	return nil
}
