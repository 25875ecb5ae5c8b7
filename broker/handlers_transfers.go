package broker

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/middleware"
	"github.com/cloudflare-r2-browser/core/transfer"
)

func decodeJSON(r *http.Request, v interface{}) error {
	return cmn.DecodeJSON(r.Body, v)
}

type enqueueUploadRequest struct {
	Key       string `json:"key"`
	LocalPath string `json:"localPath"`
}

func (b *Broker) handleEnqueueUpload(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	var req enqueueUploadRequest
	if err := decodeJSON(r, &req); err != nil || req.Key == "" || req.LocalPath == "" {
		writeTaxonomyError(w, r, badRequestErr("key and localPath are required"))
		return
	}
	info, err := os.Stat(req.LocalPath)
	if err != nil {
		writeTaxonomyError(w, r, badRequestErr("localPath is not readable: "+err.Error()))
		return
	}
	task, err := b.engine.EnqueueUpload(bucket, req.Key, req.LocalPath, info.Size())
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusAccepted, task)
}

type enqueueUploadFolderRequest struct {
	Prefix    string `json:"prefix"`
	LocalDir  string `json:"localDir"`
}

func (b *Broker) handleEnqueueUploadFolder(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	var req enqueueUploadFolderRequest
	if err := decodeJSON(r, &req); err != nil || req.LocalDir == "" {
		writeTaxonomyError(w, r, badRequestErr("localDir is required"))
		return
	}
	prefix := req.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	tasks, err := b.engine.EnqueueUploadFolder(bucket, prefix, req.LocalDir)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusAccepted, map[string]interface{}{"tasks": tasks})
}

type enqueueDownloadRequest struct {
	Key       string `json:"key"`
	LocalPath string `json:"localPath"`
}

func (b *Broker) handleEnqueueDownload(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	var req enqueueDownloadRequest
	if err := decodeJSON(r, &req); err != nil || req.Key == "" || req.LocalPath == "" {
		writeTaxonomyError(w, r, badRequestErr("key and localPath are required"))
		return
	}
	task, err := b.engine.EnqueueDownload(bucket, req.Key, req.LocalPath)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusAccepted, task)
}

type enqueueDeleteRequest struct {
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
}

func (b *Broker) handleEnqueueDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	var req enqueueDeleteRequest
	if err := decodeJSON(r, &req); err != nil || (req.Key == "" && req.Prefix == "") {
		writeTaxonomyError(w, r, badRequestErr("key or prefix is required"))
		return
	}
	task, err := b.engine.EnqueueDelete(bucket, req.Key, req.Prefix)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusAccepted, task)
}

// handleTransfersCollection serves GET /transfers.
func (b *Broker) handleTransfersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	tasks, err := b.engine.List()
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleTransfersScoped dispatches "/transfers/{id}", "/transfers/{id}/{action}",
// and "/transfers/stream".
func (b *Broker) handleTransfersScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/transfers/")
	if rest == "stream" {
		b.handleTransfersStream(w, r)
		return
	}
	id, action, hasAction := cut(rest, "/")
	if id == "" {
		writeNotFound(w, r)
		return
	}
	if !hasAction {
		b.handleTransferByID(w, r, id)
		return
	}
	b.handleTransferAction(w, r, id, action)
}

func (b *Broker) handleTransferByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	task, err := b.engine.Get(id)
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, task)
}

func (b *Broker) handleTransferAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	var (
		task transfer.Task
		err  error
	)
	switch action {
	case "pause":
		task, err = b.engine.Pause(id)
	case "resume":
		task, err = b.engine.Resume(id)
	case "cancel":
		task, err = b.engine.Cancel(id)
	case "retry":
		task, err = b.engine.RetryTransfer(id)
	default:
		writeNotFound(w, r)
		return
	}
	if err != nil {
		writeTaxonomyError(w, r, err)
		return
	}
	cmn.WriteOK(w, middleware.GetRequestID(r.Context()), http.StatusOK, task)
}

// handleTransfersStream is a Server-Sent Events feed of every Transfer
// Task lifecycle event.
func (b *Broker) handleTransfersStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeTaxonomyError(w, r, methodNotAllowedErr(r.Method))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeTaxonomyError(w, r, cmn.NewTaxonomyErr(cmn.CodeInternal, "streaming unsupported", nil))
		return
	}
	events, unsubscribe := b.engine.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(sseWriter{w})
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.Write([]byte("data: "))
			_ = enc.Encode(ev.Task)
			w.Write([]byte("\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// sseWriter passes every write straight through to the ResponseWriter.
// json.Encoder's trailing newline ends the "data:" line, and the extra
// newline handleTransfersStream writes after it supplies the blank line
// that terminates each SSE event.
type sseWriter struct{ w http.ResponseWriter }

func (s sseWriter) Write(p []byte) (int, error) { return s.w.Write(p) }
