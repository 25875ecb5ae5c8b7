package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/teris-io/shortid"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/provider"
)

// runDownload writes the object body to a temp file alongside the
// destination, then atomically renames it into place on success,
// deleting the temp file on any error — the same temp-file-then-rename discipline credstore uses
// for settings.json (credstore/credstore.go's atomicWriteJSON).
func (e *Engine) runDownload(ctx context.Context, t Task, onTick func(int64, float64)) error {
	destDir := filepath.Dir(t.LocalPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return newErr(err, cmn.CodeInternal, "failed to prepare download directory")
	}

	out, err := e.currentProvider().GetObject(ctx, provider.GetObjectInput{Bucket: t.Bucket, Key: t.Key})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	tmpPath := filepath.Join(destDir, "."+filepath.Base(t.LocalPath)+".tmp."+shortid.MustGenerate())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return newErr(err, cmn.CodeInternal, "failed to create temp file")
	}
	cleanup := true
	defer func() {
		f.Close()
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	tracker := newProgressTrackerWithInterval(e.now, e.cfg.ProgressInterval, out.ContentLength, onTick)
	reader := newProgressReader(out.Body, tracker)

	if _, err := io.Copy(f, reader); err != nil {
		tracker.flush()
		return newErr(err, cmn.CodeInternal, "failed while writing downloaded object")
	}
	tracker.flush()
	if err := f.Sync(); err != nil {
		return newErr(err, cmn.CodeInternal, "failed to sync downloaded file")
	}
	if err := f.Close(); err != nil {
		return newErr(err, cmn.CodeInternal, "failed to close downloaded file")
	}
	if err := os.Rename(tmpPath, t.LocalPath); err != nil {
		return newErr(err, cmn.CodeInternal, "failed to finalize downloaded file")
	}
	cleanup = false
	return nil
}
