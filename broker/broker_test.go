package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/credstore"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/transfer"
)

func newTestBroker(t *testing.T, p *fakeProvider) (*Broker, func()) {
	t.Helper()
	credStore := credstore.New(t.TempDir())
	cache := foldercache.New(100, time.Minute, 30*time.Second)
	engine, err := transfer.New(p, cache, cmn.Defaults())
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	b, err := New(credStore, cache, engine, cmn.Defaults(), nil)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	b.provider = p
	return b, func() { engine.Close() }
}

func newTestBrokerWithConfig(t *testing.T, p *fakeProvider, cfg cmn.Config) (*Broker, func()) {
	t.Helper()
	credStore := credstore.New(t.TempDir())
	cache := foldercache.New(100, time.Minute, 30*time.Second)
	engine, err := transfer.New(p, cache, cfg)
	if err != nil {
		t.Fatalf("transfer.New: %v", err)
	}
	b, err := New(credStore, cache, engine, cfg, nil)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	b.provider = p
	return b, func() { engine.Close() }
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) cmn.Envelope {
	t.Helper()
	var env cmn.Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v, body=%s", err, rec.Body.String())
	}
	return env
}

func TestHealthReturnsOK(t *testing.T) {
	b, cleanup := newTestBroker(t, newFakeProvider())
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Status != "ok" {
		t.Fatalf("status = %q, want ok", env.Status)
	}
}

func TestListObjectsConsultsCacheOnlyForHierarchicalListing(t *testing.T) {
	p := newFakeProvider("bucket1")
	p.seed("bucket1", "a.txt", []byte("hello"))
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	// First hierarchical listing populates the cache.
	req := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/objects?delimiter=/", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, hit := b.cache.Get(foldercache.Key{Bucket: "bucket1", Prefix: ""}); !hit {
		t.Fatal("expected hierarchical listing to populate the cache")
	}

	// A flat (delimiter="") listing must bypass the cache, since it was
	// never populated under this policy.
	p.seed("bucket1", "b.txt", []byte("world"))
	req2 := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/objects", nil)
	rec2 := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec2, req2)
	env := decodeEnvelope(t, rec2)
	data := env.Data.(map[string]interface{})
	objects := data["objects"].([]interface{})
	if len(objects) != 2 {
		t.Fatalf("flat listing returned %d objects, want 2 (cache should not have masked the new object)", len(objects))
	}
}

func TestPutObjectInvalidatesCache(t *testing.T) {
	p := newFakeProvider("bucket1")
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/objects?delimiter=/", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)
	if _, hit := b.cache.Get(foldercache.Key{Bucket: "bucket1", Prefix: ""}); !hit {
		t.Fatal("expected listing to populate the cache")
	}

	putReq := httptest.NewRequest(http.MethodPut, "/buckets/bucket1/objects/new.txt", strings.NewReader("data"))
	putRec := httptest.NewRecorder()
	b.Handler().ServeHTTP(putRec, putReq)
	if putRec.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d, want 201, body=%s", putRec.Code, putRec.Body.String())
	}

	if _, hit := b.cache.Get(foldercache.Key{Bucket: "bucket1", Prefix: ""}); hit {
		t.Fatal("expected PUT to invalidate the cached listing for the object's parent prefix")
	}
}

func TestPutObjectRejectsBodyOverMaxBodyBytes(t *testing.T) {
	p := newFakeProvider("bucket1")
	cfg := cmn.Defaults()
	cfg.MaxBodyBytes = 3
	b, cleanup := newTestBrokerWithConfig(t, p, cfg)
	defer cleanup()

	putReq := httptest.NewRequest(http.MethodPut, "/buckets/bucket1/objects/new.txt", strings.NewReader("too big"))
	putRec := httptest.NewRecorder()
	b.Handler().ServeHTTP(putRec, putReq)

	if putRec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413, body=%s", putRec.Code, putRec.Body.String())
	}
	env := decodeEnvelope(t, putRec)
	if env.Error == nil || env.Error.Code != cmn.CodeValidationFileTooLarge {
		t.Fatalf("error code = %+v, want %s", env.Error, cmn.CodeValidationFileTooLarge)
	}
}

func TestGetObjectHonorsRange(t *testing.T) {
	p := newFakeProvider("bucket1")
	p.seed("bucket1", "file.bin", []byte("0123456789"))
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/objects/file.bin", nil)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != "0123" {
		t.Fatalf("body = %q, want %q", got, "0123")
	}
	if rec.Header().Get("Content-Range") == "" {
		t.Fatal("expected Content-Range header on a 206 response")
	}
}

func TestGetObjectNotFoundMapsToTaxonomyError(t *testing.T) {
	p := newFakeProvider("bucket1")
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/objects/missing.txt", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env.Status != "error" {
		t.Fatalf("status = %q, want error", env.Status)
	}
	if env.Error.Code != "OBJECT_NOT_FOUND" {
		t.Fatalf("error code = %q, want OBJECT_NOT_FOUND", env.Error.Code)
	}
}

func TestBatchDeleteChunksAcrossMaxBatchSize(t *testing.T) {
	p := newFakeProvider("bucket1")
	keys := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		k := "file" + string(rune('a'+i)) + ".txt"
		p.seed("bucket1", k, []byte("x"))
		keys = append(keys, k)
	}
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	body, _ := json.Marshal(batchDeleteRequest{Keys: keys})
	req := httptest.NewRequest(http.MethodDelete, "/buckets/bucket1/objects/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	if int(data["deleted"].(float64)) != 5 {
		t.Fatalf("deleted = %v, want 5", data["deleted"])
	}
}

func TestMethodNotAllowedOnKnownRoute(t *testing.T) {
	b, cleanup := newTestBroker(t, newFakeProvider())
	defer cleanup()

	req := httptest.NewRequest(http.MethodPatch, "/health", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	b, cleanup := newTestBroker(t, newFakeProvider())
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/buckets/bucket1/nonsense", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGlobalSearchFansOutAcrossBuckets(t *testing.T) {
	p := newFakeProvider("bucket1", "bucket2", "bucket3")
	p.seed("bucket1", "2024/report-final.csv", []byte("x"))
	p.seed("bucket2", "notes/report.txt", []byte("y"))
	p.seed("bucket3", "unrelated.bin", []byte("z"))
	p.failSearchFor = "bucket2"

	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/search?q=report", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]interface{})
	results := data["results"].([]interface{})
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1 (only bucket1 matches and didn't fail)", len(results))
	}
	errs := data["errors"].(map[string]interface{})
	if _, ok := errs["bucket2"]; !ok {
		t.Fatal("expected bucket2's search failure to be reported, not to abort the whole request")
	}
}

func TestGlobalSearchRequiresQuery(t *testing.T) {
	b, cleanup := newTestBroker(t, newFakeProvider("bucket1"))
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec)
	if env.Status != "error" || env.Error.Code != cmn.CodeValidationInvalidParam {
		t.Fatalf("expected a VALIDATION_INVALID_PARAM error for a missing query, got status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestEnqueueUploadRoundTripsThroughTransferEngine(t *testing.T) {
	p := newFakeProvider("bucket1")
	b, cleanup := newTestBroker(t, p)
	defer cleanup()

	dir := t.TempDir()
	localPath := dir + "/upload.txt"
	if err := os.WriteFile(localPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	body, _ := json.Marshal(enqueueUploadRequest{Key: "uploaded.txt", LocalPath: localPath})
	req := httptest.NewRequest(http.MethodPost, "/buckets/bucket1/transfers/uploads", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	task := env.Data.(map[string]interface{})
	if task["bucket"] != "bucket1" || task["key"] != "uploaded.txt" {
		t.Fatalf("unexpected task data: %+v", task)
	}
}
