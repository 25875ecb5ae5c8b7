package transfer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/provider"
)

// runUpload streams localPath's contents directly into PutObject without
// buffering the whole file, tracking progress via progressReader.
func (e *Engine) runUpload(ctx context.Context, t Task, onTick func(int64, float64)) error {
	f, err := os.Open(t.LocalPath)
	if err != nil {
		return newErr(err, cmn.CodeInternal, "failed to open local file")
	}
	defer f.Close()

	tracker := newProgressTrackerWithInterval(e.now, e.cfg.ProgressInterval, t.TotalSize, onTick)
	reader := newProgressReader(f, tracker)

	_, err = e.currentProvider().PutObject(ctx, provider.PutObjectInput{
		Bucket:        t.Bucket,
		Key:           t.Key,
		Body:          reader,
		ContentLength: t.TotalSize,
	})
	tracker.flush()
	if err != nil {
		return err
	}
	e.cache.InvalidatePrefix(t.Bucket, parentOfKey(t.Key))
	return nil
}

// parentOfKey returns the folder prefix containing key, e.g.
// "sub/x.bin" -> "sub/", "x.bin" -> "".
func parentOfKey(key string) string {
	idx := lastSlash(key)
	if idx < 0 {
		return ""
	}
	return key[:idx+1]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// enumerateFolder walks localDir recursively and returns every regular
// file's path relative to localDir, using the slash-separated form R2
// expects for object keys. Uses godirwalk for fast recursive walks
// without the allocation overhead of filepath.Walk.
func enumerateFolder(localDir string) ([]string, error) {
	var keys []string
	err := godirwalk.Walk(localDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(localDir, osPathname)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
			return nil
		},
	})
	if err != nil {
		return nil, newErr(err, cmn.CodeInternal, "failed to walk local folder")
	}
	return keys, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
