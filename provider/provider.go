// Package provider is the thin authenticated client to the remote
// S3-compatible object store. It owns no persistent
// state; every call is signed against the endpoint derived from the
// Credentials passed to New.
package provider

import (
	"context"
	"io"
	"time"

	"github.com/cloudflare-r2-browser/core/credstore"
)

type Bucket struct {
	Name         string
	CreationDate *time.Time
}

// Object describes one stored item. A key ending in "/" with size 0 is
// a folder marker; a key appearing only as a CommonPrefix in a listing
// is a virtual folder.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	StorageClass string
}

// ListingPage is one page of a bucket listing. Invariant enforced by
// the constructor that builds it: KeyCount == len(Objects) +
// len(CommonPrefixes), and IsTruncated iff ContinuationToken != "".
type ListingPage struct {
	Objects           []Object
	CommonPrefixes    []string
	ContinuationToken string
	IsTruncated       bool
	KeyCount          int
	MaxKeys           int
	Prefix            string
	Delimiter         string
}

type ListObjectsInput struct {
	Bucket            string
	Prefix            string
	Delimiter         string // "" yields a flat recursive listing; "/" hierarchical
	MaxKeys           int    // clamped to <= 1000
	ContinuationToken string
}

type GetObjectInput struct {
	Bucket string
	Key    string
	Range  string // e.g. "bytes=0-1023"; empty means whole object
}

type GetObjectOutput struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	ETag          string
	LastModified  time.Time
	ContentRange  string // set when Range was honored (206)
}

type PutObjectInput struct {
	Bucket        string
	Key           string
	Body          io.Reader
	ContentLength int64
	ContentType   string
}

type PutObjectOutput struct {
	ETag string
	Size int64
}

type DeleteBatchResult struct {
	Deleted []string
	Failed  []FailedKey
}

type FailedKey struct {
	Key    string
	Reason string
}

// Client is the Provider Client contract. Implemented by
// *S3Client against R2; kept as an interface so the broker, transfer
// engine, and tests depend on behavior, not on aws-sdk-go directly.
type Client interface {
	ListBuckets(ctx context.Context) ([]Bucket, error)
	ListObjects(ctx context.Context, in ListObjectsInput) (ListingPage, error)
	GetObject(ctx context.Context, in GetObjectInput) (GetObjectOutput, error)
	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	DeleteObject(ctx context.Context, bucket, key string) (bool, error)
	DeleteBatch(ctx context.Context, bucket string, keys []string) (DeleteBatchResult, error)
	Search(ctx context.Context, bucket, query string) ([]Object, error)
}

// Credentials is re-exported so callers only need to import provider.
type Credentials = credstore.Credentials

const MaxPageSize = 1000

// ClampPageSize bounds a requested page size to (0, MaxPageSize].
func ClampPageSize(requested int) int {
	if requested <= 0 || requested > MaxPageSize {
		return MaxPageSize
	}
	return requested
}

const MaxBatchDeleteKeys = 1000
