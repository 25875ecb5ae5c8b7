package broker

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

// fakeProvider is an in-memory stand-in for provider.Client used across
// the broker's handler tests.
type fakeProvider struct {
	mu      sync.Mutex
	buckets []string
	objects map[string][]byte // "bucket/key" -> body

	failSearchFor string // bucket name whose Search call returns an error
}

func newFakeProvider(buckets ...string) *fakeProvider {
	return &fakeProvider{buckets: buckets, objects: make(map[string][]byte)}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeProvider) seed(bucket, key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objKey(bucket, key)] = body
}

func (f *fakeProvider) ListBuckets(ctx context.Context) ([]provider.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Bucket, len(f.buckets))
	for i, b := range f.buckets {
		out[i] = provider.Bucket{Name: b}
	}
	return out, nil
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
	return provider.ListingPage{Objects: objs, KeyCount: len(objs), Prefix: in.Prefix, Delimiter: in.Delimiter}, nil
}

func (f *fakeProvider) GetObject(ctx context.Context, in provider.GetObjectInput) (provider.GetObjectOutput, error) {
	f.mu.Lock()
	body, ok := f.objects[objKey(in.Bucket, in.Key)]
	f.mu.Unlock()
	if !ok {
		return provider.GetObjectOutput{}, &fakeErr{msg: "not found", code: "OBJECT_NOT_FOUND"}
	}
	out := provider.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		ETag:          `"fake-etag"`,
		LastModified:  time.Unix(0, 0).UTC(),
	}
	if in.Range == "bytes=0-3" && len(body) > 4 {
		out.Body = io.NopCloser(bytes.NewReader(body[:4]))
		out.ContentLength = 4
		out.ContentRange = "bytes 0-3/" + itoa(len(body))
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func (f *fakeProvider) PutObject(ctx context.Context, in provider.PutObjectInput) (provider.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return provider.PutObjectOutput{}, err
	}
	f.mu.Lock()
	f.objects[objKey(in.Bucket, in.Key)] = b
	f.mu.Unlock()
	return provider.PutObjectOutput{Size: int64(len(b)), ETag: `"fake-etag"`}, nil
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
	if bucket == f.failSearchFor {
		return nil, &fakeErr{msg: "search backend unavailable", code: "R2_SERVICE_ERROR"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []provider.Object
	for k, v := range f.objects {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) != 2 || parts[0] != bucket {
			continue
		}
		if strings.Contains(parts[1], query) {
			results = append(results, provider.Object{Key: parts[1], Size: int64(len(v))})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

type fakeErr struct {
	msg  string
	code string
}

func (e *fakeErr) Error() string        { return e.msg }
func (e *fakeErr) Code() string         { return e.code }
func (e *fakeErr) Details() interface{} { return nil }
