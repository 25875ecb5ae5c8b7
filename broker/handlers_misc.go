package broker

import (
	"net/http"
	"time"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/middleware"
)

func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(b.startedAt).String(),
		"version": Version,
	})
}

// handleStats is a debug endpoint reporting Folder Cache counters and
// Transfer Engine task-by-status counts.
func (b *Broker) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	tasks, err := b.engine.List()
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	byStatus := map[string]int{}
	for _, t := range tasks {
		byStatus[string(t.Status)]++
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"cache":         b.cache.Statistics(),
		"tasksByStatus": byStatus,
		"tasksTotal":    len(tasks),
	})
}

func (b *Broker) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if b.onShutdown != nil {
		go b.onShutdown()
	}
}

func (b *Broker) handleBuckets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	p, ok := b.currentProvider()
	if !ok {
		writeTaxonomyError(w, r, providerNotConfiguredErr())
		return
	}
	buckets, err := p.ListBuckets(r.Context())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{
		"buckets": buckets,
		"count":   len(buckets),
	})
}
