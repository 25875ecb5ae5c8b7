package broker

import (
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/middleware"
	"github.com/cloudflare-r2-browser/core/provider"
)

type bucketMatches struct {
	Bucket  string            `json:"bucket"`
	Objects []provider.Object `json:"objects"`
}

// handleGlobalSearch fans a single query out across every bucket
// concurrently, since Search is already a per-bucket listing scan and
// running buckets sequentially would multiply its cost by bucket count.
// One bucket's failure doesn't block the others; failures are reported
// per-bucket rather than aborting the whole request.
func (b *Broker) handleGlobalSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	p, ok := b.currentProvider()
	if !ok {
		writeTaxonomyError(w, r, providerNotConfiguredErr())
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeTaxonomyError(w, r, badRequestErr("q is required"))
		return
	}

	buckets, err := p.ListBuckets(r.Context())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}

	var (
		mu      sync.Mutex
		results []bucketMatches
		errs    = map[string]string{}
	)
	g, ctx := errgroup.WithContext(r.Context())
	for _, bucket := range buckets {
		bucket := bucket
		g.Go(func() error {
			objects, err := p.Search(ctx, bucket.Name, query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[bucket.Name] = err.Error()
				return nil
			}
			if len(objects) > 0 {
				results = append(results, bucketMatches{Bucket: bucket.Name, Objects: objects})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeTaxonomyError(w, r, cmn.WrapTaxonomyErr(err, cmn.CodeR2ServiceError, nil))
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"results": results,
		"errors":  errs,
	})
}
