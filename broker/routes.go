package broker

import (
	"net/http"
	"strings"
)

func (b *Broker) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/stats", b.handleStats)
	mux.HandleFunc("/shutdown", b.handleShutdown)
	mux.HandleFunc("/buckets", b.handleBuckets)
	mux.HandleFunc("/buckets/", b.handleBucketScoped)
	mux.HandleFunc("/search", b.handleGlobalSearch)
	mux.HandleFunc("/transfers", b.handleTransfersCollection)
	mux.HandleFunc("/transfers/", b.handleTransfersScoped)
	return mux
}

// handleBucketScoped dispatches every "/buckets/{bucket}/..." path. Keys
// may themselves contain "/", so only the bucket segment is split off
// before the sub-route is matched by prefix.
func (b *Broker) handleBucketScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/buckets/")
	bucket, sub, ok := cut(rest, "/")
	if bucket == "" {
		writeNotFound(w, r)
		return
	}
	if !ok {
		writeNotFound(w, r)
		return
	}

	switch {
	case sub == "objects":
		b.handleListObjects(w, r, bucket)
	case strings.HasPrefix(sub, "objects/"):
		key := strings.TrimPrefix(sub, "objects/")
		if key == "batch" && r.Method == http.MethodDelete {
			b.handleBatchDelete(w, r, bucket)
			return
		}
		b.handleObject(w, r, bucket, key)
	case sub == "search":
		b.handleSearch(w, r, bucket)
	case sub == "transfers/uploads":
		b.handleEnqueueUpload(w, r, bucket)
	case sub == "transfers/upload-folder":
		b.handleEnqueueUploadFolder(w, r, bucket)
	case sub == "transfers/downloads":
		b.handleEnqueueDownload(w, r, bucket)
	case sub == "transfers/deletes":
		b.handleEnqueueDelete(w, r, bucket)
	default:
		writeNotFound(w, r)
	}
}

// cut splits s on the first sep, reporting whether sep was present (the
// same contract as strings.Cut).
func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeTaxonomyError(w, r, notFoundErr("route not found: "+r.Method+" "+r.URL.Path))
}
