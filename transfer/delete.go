package transfer

import (
	"context"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/provider"
)

// runDelete removes a single key, or — when t.Prefix is set — every
// object under that prefix, batched in groups of at most
// provider.MaxBatchDeleteKeys. Listing and deleting overlap one page of
// lookahead via a buffered channel, pipelining list-then-act over
// paginated listings rather than fully materializing the listing before
// acting on it.
func (e *Engine) runDelete(ctx context.Context, t Task, onTick func(int64, float64)) error {
	if t.Prefix == "" {
		ok, err := e.currentProvider().DeleteObject(ctx, t.Bucket, t.Key)
		if err != nil {
			return err
		}
		if ok {
			onTick(1, 0)
		}
		e.cache.InvalidatePrefix(t.Bucket, parentOfKey(t.Key))
		return nil
	}
	return e.runPrefixDelete(ctx, t, onTick)
}

type deletePage struct {
	keys []string
	err  error
}

// countKeysUnderPrefix walks every page under prefix once, counting
// keys only, so the task's TotalCount is known before deletion starts
// and progress==1 coincides exactly with completion.
func (e *Engine) countKeysUnderPrefix(ctx context.Context, bucket, prefix string) (int64, error) {
	var total int64
	token := ""
	for {
		listing, err := e.currentProvider().ListObjects(ctx, provider.ListObjectsInput{
			Bucket:            bucket,
			Prefix:            prefix,
			Delimiter:         "",
			MaxKeys:           provider.MaxBatchDeleteKeys,
			ContinuationToken: token,
		})
		if err != nil {
			return 0, err
		}
		total += int64(len(listing.Objects))
		if !listing.IsTruncated {
			return total, nil
		}
		token = listing.ContinuationToken
	}
}

func (e *Engine) runPrefixDelete(ctx context.Context, t Task, onTick func(int64, float64)) error {
	total, err := e.countKeysUnderPrefix(ctx, t.Bucket, t.Prefix)
	if err != nil {
		return err
	}
	if err := e.setTotalCount(t.ID, total); err != nil {
		return err
	}

	pages := make(chan deletePage, 1)

	go func() {
		defer close(pages)
		token := ""
		for {
			listing, err := e.currentProvider().ListObjects(ctx, provider.ListObjectsInput{
				Bucket:            t.Bucket,
				Prefix:            t.Prefix,
				Delimiter:         "",
				MaxKeys:           provider.MaxBatchDeleteKeys,
				ContinuationToken: token,
			})
			if err != nil {
				pages <- deletePage{err: err}
				return
			}
			keys := make([]string, len(listing.Objects))
			for i, o := range listing.Objects {
				keys[i] = o.Key
			}
			select {
			case pages <- deletePage{keys: keys}:
			case <-ctx.Done():
				return
			}
			if !listing.IsTruncated {
				return
			}
			token = listing.ContinuationToken
		}
	}()

	var deleted int64
	var lastErr error
	for page := range pages {
		if page.err != nil {
			lastErr = page.err
			continue
		}
		if len(page.keys) == 0 {
			continue
		}
		result, err := e.currentProvider().DeleteBatch(ctx, t.Bucket, page.keys)
		if err != nil {
			lastErr = err
			continue
		}
		deleted += int64(len(result.Deleted))
		onTick(deleted, 0)
		if len(result.Failed) > 0 {
			lastErr = newErr(nil, cmn.CodeR2ServiceError, "one or more keys failed to delete: "+result.Failed[0].Reason)
		}
	}
	e.cache.InvalidatePrefix(t.Bucket, t.Prefix)
	return lastErr
}
