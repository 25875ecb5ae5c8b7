package transfer_test

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare-r2-browser/core/provider"
)

// fakeProvider is an in-memory stand-in for provider.Client, letting
// transfer engine tests exercise real streaming/progress/cancellation
// behavior without a network dependency.
type fakeProvider struct {
	mu      sync.Mutex
	objects map[string][]byte // "bucket/key" -> body

	putDelay time.Duration // artificial per-chunk delay, for cancellation tests
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{objects: make(map[string][]byte)}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeProvider) seed(bucket, key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objKey(bucket, key)] = body
}

func (f *fakeProvider) ListBuckets(ctx context.Context) ([]provider.Bucket, error) {
	return nil, nil
}

func (f *fakeProvider) ListObjects(ctx context.Context, in provider.ListObjectsInput) (provider.ListingPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) != 2 || parts[0] != in.Bucket {
			continue
		}
		if in.Prefix != "" && !strings.HasPrefix(parts[1], in.Prefix) {
			continue
		}
		keys = append(keys, parts[1])
	}
	sort.Strings(keys)

	objs := make([]provider.Object, len(keys))
	for i, k := range keys {
		objs[i] = provider.Object{Key: k, Size: int64(len(f.objects[objKey(in.Bucket, k)]))}
	}
	return provider.ListingPage{Objects: objs, KeyCount: len(objs)}, nil
}

func (f *fakeProvider) GetObject(ctx context.Context, in provider.GetObjectInput) (provider.GetObjectOutput, error) {
	f.mu.Lock()
	body, ok := f.objects[objKey(in.Bucket, in.Key)]
	f.mu.Unlock()
	if !ok {
		return provider.GetObjectOutput{}, &fakeErr{msg: "not found"}
	}
	return provider.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}, nil
}

// cancellableReader lets PutObject honor ctx cancellation mid-stream, so
// the engine's Cancel/Pause can be tested deterministically.
type cancellableReader struct {
	ctx   context.Context
	r     io.Reader
	delay time.Duration
}

func (c *cancellableReader) Read(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, c.ctx.Err()
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-c.ctx.Done():
			return 0, c.ctx.Err()
		}
	}
	return c.r.Read(p)
}

func (f *fakeProvider) PutObject(ctx context.Context, in provider.PutObjectInput) (provider.PutObjectOutput, error) {
	r := &cancellableReader{ctx: ctx, r: in.Body, delay: f.putDelay}
	b, err := io.ReadAll(r)
	if err != nil {
		return provider.PutObjectOutput{}, err
	}
	f.mu.Lock()
	f.objects[objKey(in.Bucket, in.Key)] = b
	f.mu.Unlock()
	return provider.PutObjectOutput{Size: int64(len(b))}, nil
}

func (f *fakeProvider) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := objKey(bucket, key)
	if _, ok := f.objects[k]; !ok {
		return false, nil
	}
	delete(f.objects, k)
	return true, nil
}

func (f *fakeProvider) DeleteBatch(ctx context.Context, bucket string, keys []string) (provider.DeleteBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result provider.DeleteBatchResult
	for _, k := range keys {
		full := objKey(bucket, k)
		if _, ok := f.objects[full]; ok {
			delete(f.objects, full)
			result.Deleted = append(result.Deleted, k)
		} else {
			result.Failed = append(result.Failed, provider.FailedKey{Key: k, Reason: "not found"})
		}
	}
	return result, nil
}

func (f *fakeProvider) Search(ctx context.Context, bucket, query string) ([]provider.Object, error) {
	return nil, nil
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string        { return e.msg }
func (e *fakeErr) Code() string         { return "OBJECT_NOT_FOUND" }
func (e *fakeErr) Details() interface{} { return nil }
