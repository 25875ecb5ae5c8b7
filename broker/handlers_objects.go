package broker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/middleware"
	"github.com/cloudflare-r2-browser/core/provider"
)

// parentOfKey returns the folder prefix containing key, mirroring
// transfer.parentOfKey (unexported there; this package needs its own
// copy since cache invalidation happens both after a queued transfer
// completes and after a synchronous broker PUT/DELETE).
func parentOfKey(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx+1]
}

// handleListObjects consults the Folder Cache only for hierarchical
// (delimiter=="/") listings cache consultation
// policy; every other listing bypasses it.
func (b *Broker) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	p, ok := b.currentProvider()
	if !ok {
		writeTaxonomyError(w, r, providerNotConfiguredErr())
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	continuationToken := q.Get("continuationToken")
	maxKeys := provider.ClampPageSize(0)
	if v := q.Get("maxKeys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxKeys = provider.ClampPageSize(n)
		}
	}

	useCache := delimiter == "/"
	cacheKey := foldercache.Key{Bucket: bucket, Prefix: prefix}
	if useCache {
		if entry, hit := b.cache.Get(cacheKey); hit {
			writeListingPage(w, r, entry.Objects, entry.CommonPrefixes, entry.ContinuationToken, prefix, delimiter, maxKeys)
			return
		}
	}

	page, err := p.ListObjects(r.Context(), provider.ListObjectsInput{
		Bucket: bucket, Prefix: prefix, Delimiter: delimiter,
		MaxKeys: maxKeys, ContinuationToken: continuationToken,
	})
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	if useCache {
		b.cache.Put(cacheKey, page.Objects, page.CommonPrefixes, page.ContinuationToken)
	}
	writeListingPage(w, r, page.Objects, page.CommonPrefixes, page.ContinuationToken, prefix, delimiter, maxKeys)
}

func writeListingPage(w http.ResponseWriter, r *http.Request, objects []provider.Object, commonPrefixes []string, token, prefix, delimiter string, maxKeys int) {
	pagination := provider.ListingPage{
		Objects:           objects,
		CommonPrefixes:    commonPrefixes,
		ContinuationToken: token,
		IsTruncated:       token != "",
		KeyCount:          len(objects) + len(commonPrefixes),
		MaxKeys:           maxKeys,
		Prefix:            prefix,
		Delimiter:         delimiter,
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"objects":    objects,
		"pagination": pagination,
	})
}

// handleObject dispatches GET/PUT/DELETE for a single object key (
// key may itself contain "/".
func (b *Broker) handleObject(w http.ResponseWriter, r *http.Request, bucket, key string) {
	p, ok := b.currentProvider()
	if !ok {
		writeTaxonomyError(w, r, providerNotConfiguredErr())
		return
	}
	switch r.Method {
	case http.MethodGet:
		b.handleGetObject(w, r, p, bucket, key)
	case http.MethodPut:
		b.handlePutObject(w, r, p, bucket, key)
	case http.MethodDelete:
		b.handleDeleteObject(w, r, p, bucket, key)
	default:
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
	}
}

// handleGetObject streams the object body straight to the response,
// never buffering it, honoring Range.
func (b *Broker) handleGetObject(w http.ResponseWriter, r *http.Request, p provider.Client, bucket, key string) {
	out, err := p.GetObject(r.Context(), provider.GetObjectInput{
		Bucket: bucket, Key: key, Range: r.Header.Get("Range"),
	})
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	defer out.Body.Close()

	h := w.Header()
	if out.ContentType != "" {
		h.Set("Content-Type", out.ContentType)
	}
	h.Set("Content-Length", strconv.FormatInt(out.ContentLength, 10))
	if out.ETag != "" {
		h.Set("ETag", out.ETag)
	}
	if !out.LastModified.IsZero() {
		h.Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	status := http.StatusOK
	if out.ContentRange != "" {
		h.Set("Content-Range", out.ContentRange)
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, out.Body)
}

// handlePutObject streams the request body directly into PutObject,
// capped at cfg.MaxBodyBytes, then invalidates the parent prefix's
// cached listing.
func (b *Broker) handlePutObject(w http.ResponseWriter, r *http.Request, p provider.Client, bucket, key string) {
	if r.ContentLength > b.cfg.MaxBodyBytes {
		writeTaxonomyError(w, r, fileTooLargeErr(b.cfg.MaxBodyBytes))
		return
	}
	body := http.MaxBytesReader(w, r.Body, b.cfg.MaxBodyBytes)
	out, err := p.PutObject(r.Context(), provider.PutObjectInput{
		Bucket: bucket, Key: key, Body: body,
		ContentLength: r.ContentLength, ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTaxonomyError(w, r, fileTooLargeErr(b.cfg.MaxBodyBytes))
			return
		}
		writeTaxonomyError(w, r, err)
		return
	}
	b.cache.InvalidatePrefix(bucket, parentOfKey(key))
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusCreated, map[string]interface{}{
		"key": key, "etag": out.ETag, "size": out.Size,
	})
}

func (b *Broker) handleDeleteObject(w http.ResponseWriter, r *http.Request, p provider.Client, bucket, key string) {
	_, err := p.DeleteObject(r.Context(), bucket, key)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	b.cache.InvalidatePrefix(bucket, parentOfKey(key))
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"key": key, "deleted": true,
	})
}

type batchDeleteRequest struct {
	Keys []string `json:"keys"`
}

func (b *Broker) handleBatchDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodDelete {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	p, ok := b.currentProvider()
	if !ok {
		writeTaxonomyError(w, r, providerNotConfiguredErr())
		return
	}
	var req batchDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeTaxonomyError(w, r, badRequestErr("invalid request body"))
		return
	}
	if len(req.Keys) == 0 {
		writeTaxonomyError(w, r, badRequestErr("keys must be non-empty"))
		return
	}

	var deleted int
	var failed []provider.FailedKey
	for start := 0; start < len(req.Keys); start += provider.MaxBatchDeleteKeys {
		end := start + provider.MaxBatchDeleteKeys
		if end > len(req.Keys) {
			end = len(req.Keys)
		}
		result, err := p.DeleteBatch(r.Context(), bucket, req.Keys[start:end])
		if err != nil {
			writeTaxonomyError(w, r, err)
			return
		}
		deleted += len(result.Deleted)
		failed = append(failed, result.Failed...)
		for _, k := range result.Deleted {
			b.cache.InvalidatePrefix(bucket, parentOfKey(k))
		}
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"deleted": deleted, "failed": failed,
	})
}

func (b *Broker) handleSearch(w http.ResponseWriter, r *http.Request, bucket string) {
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
	objects, err := p.Search(r.Context(), bucket, query)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"objects": objects,
	})
}
