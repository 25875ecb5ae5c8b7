package provider

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/cloudflare-r2-browser/core/cmn"
)

// S3Client is the Provider Client against R2: an S3-compatible session
// and client built against a single derived R2 account endpoint rather
// than the multi-region dance a general S3 client would need.
type S3Client struct {
	svc        *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader

	// requestDeadline bounds metadata calls (list/delete/search);
	// resourceDeadline bounds calls that move object bodies (get/put).
	requestDeadline  time.Duration
	resourceDeadline time.Duration
}

// NewS3Client builds a client bound to one set of credentials. R2
// requires path-style addressing and accepts the literal region "auto".
// Every call the returned client makes is wrapped in cfg.RequestDeadline
// or cfg.ResourceDeadline, per call, so a hung request surfaces
// R2_TIMEOUT instead of blocking forever.
func NewS3Client(creds Credentials, cfg cmn.Config) (*S3Client, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Endpoint:         aws.String(creds.Endpoint),
		Region:           aws.String("auto"),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, wrap(err, cmn.CodeInternal, "failed to initialize provider session")
	}
	svc := s3.New(sess)
	return &S3Client{
		svc:              svc,
		uploader:         s3manager.NewUploaderWithClient(svc),
		downloader:       s3manager.NewDownloaderWithClient(svc),
		requestDeadline:  cfg.RequestDeadline,
		resourceDeadline: cfg.ResourceDeadline,
	}, nil
}

// cancelOnCloseBody defers a GetObject call's deadline cancellation
// until the caller finishes (or gives up) reading the body, since the
// deadline must cover the whole streamed read, not just the call that
// returned this body.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

var _ Client = (*S3Client)(nil)

func (c *S3Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestDeadline)
	defer cancel()
	out, err := c.svc.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, classifyAWSError(err)
	}
	buckets := make([]Bucket, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		buckets = append(buckets, Bucket{Name: aws.StringValue(b.Name), CreationDate: b.CreationDate})
	}
	return buckets, nil
}

// ListObjects implements hierarchical (delimiter="/") and flat recursive
// (delimiter="") listing via ListObjectsV2, whose ContinuationToken
// paging maps directly onto ListingPage's own continuation-token shape.
func (c *S3Client) ListObjects(ctx context.Context, in ListObjectsInput) (ListingPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestDeadline)
	defer cancel()
	maxKeys := ClampPageSize(in.MaxKeys)
	params := &s3.ListObjectsV2Input{
		Bucket:  aws.String(in.Bucket),
		MaxKeys: aws.Int64(int64(maxKeys)),
	}
	if in.Prefix != "" {
		params.Prefix = aws.String(in.Prefix)
	}
	if in.Delimiter != "" {
		params.Delimiter = aws.String(in.Delimiter)
	}
	if in.ContinuationToken != "" {
		params.ContinuationToken = aws.String(in.ContinuationToken)
	}

	out, err := c.svc.ListObjectsV2WithContext(ctx, params)
	if err != nil {
		return ListingPage{}, classifyAWSError(err)
	}

	page := ListingPage{
		Prefix:    in.Prefix,
		Delimiter: in.Delimiter,
		MaxKeys:   maxKeys,
	}
	for _, o := range out.Contents {
		page.Objects = append(page.Objects, Object{
			Key:          aws.StringValue(o.Key),
			Size:         aws.Int64Value(o.Size),
			LastModified: aws.TimeValue(o.LastModified),
			ETag:         strings.Trim(aws.StringValue(o.ETag), `"`),
			StorageClass: aws.StringValue(o.StorageClass),
		})
	}
	for _, p := range out.CommonPrefixes {
		page.CommonPrefixes = append(page.CommonPrefixes, aws.StringValue(p.Prefix))
	}
	page.KeyCount = len(page.Objects) + len(page.CommonPrefixes)
	page.IsTruncated = aws.BoolValue(out.IsTruncated)
	if page.IsTruncated {
		page.ContinuationToken = aws.StringValue(out.NextContinuationToken)
	}
	return page, nil
}

// GetObject streams the body without buffering: the
// io.ReadCloser returned is the SDK's own HTTP response body.
func (c *S3Client) GetObject(ctx context.Context, in GetObjectInput) (GetObjectOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, c.resourceDeadline)
	params := &s3.GetObjectInput{
		Bucket: aws.String(in.Bucket),
		Key:    aws.String(in.Key),
	}
	if in.Range != "" {
		params.Range = aws.String(in.Range)
	}
	out, err := c.svc.GetObjectWithContext(ctx, params)
	if err != nil {
		cancel()
		return GetObjectOutput{}, classifyAWSError(err)
	}
	return GetObjectOutput{
		Body:          cancelOnCloseBody{ReadCloser: out.Body, cancel: cancel},
		ContentLength: aws.Int64Value(out.ContentLength),
		ContentType:   aws.StringValue(out.ContentType),
		ETag:          strings.Trim(aws.StringValue(out.ETag), `"`),
		LastModified:  aws.TimeValue(out.LastModified),
		ContentRange:  aws.StringValue(out.ContentRange),
	}, nil
}

// PutObject streams the request body through s3manager.Uploader, which
// chunks large bodies into multipart uploads itself rather than buffering
// them whole.
func (c *S3Client) PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, c.resourceDeadline)
	defer cancel()
	input := &s3manager.UploadInput{
		Bucket: aws.String(in.Bucket),
		Key:    aws.String(in.Key),
		Body:   in.Body,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	out, err := c.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return PutObjectOutput{}, classifyAWSError(err)
	}
	size := in.ContentLength
	return PutObjectOutput{
		ETag: strings.Trim(aws.StringValue(out.ETag), `"`),
		Size: size,
	}, nil
}

func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestDeadline)
	defer cancel()
	_, err := c.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, classifyAWSError(err)
	}
	return true, nil
}

// DeleteBatch uses the provider-native multi-delete with Quiet=false so
// every key gets an explicit per-key result instead of only a terse
// deleted-count summary.
func (c *S3Client) DeleteBatch(ctx context.Context, bucket string, keys []string) (DeleteBatchResult, error) {
	if len(keys) > MaxBatchDeleteKeys {
		return DeleteBatchResult{}, wrap(nil, cmn.CodeValidationInvalidParam, "batch delete exceeds 1000 keys")
	}
	ctx, cancel := context.WithTimeout(ctx, c.requestDeadline)
	defer cancel()
	objs := make([]*s3.ObjectIdentifier, len(keys))
	for i, k := range keys {
		objs[i] = &s3.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := c.svc.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3.Delete{Objects: objs, Quiet: aws.Bool(false)},
	})
	if err != nil {
		return DeleteBatchResult{}, classifyAWSError(err)
	}

	result := DeleteBatchResult{}
	for _, d := range out.Deleted {
		result.Deleted = append(result.Deleted, aws.StringValue(d.Key))
	}
	for _, e := range out.Errors {
		result.Failed = append(result.Failed, FailedKey{
			Key:    aws.StringValue(e.Key),
			Reason: aws.StringValue(e.Message),
		})
	}
	return result, nil
}

// Search is provider-delegated: R2 has no native full-text search, so
// the whole bucket is listed page by page (no prefix) and each key is
// case-insensitively substring-matched against the query, so a query
// like "report" matches "2024/report-final.csv".
func (c *S3Client) Search(ctx context.Context, bucket, query string) ([]Object, error) {
	var results []Object
	token := ""
	for {
		page, err := c.ListObjects(ctx, ListObjectsInput{
			Bucket:            bucket,
			Delimiter:         "",
			MaxKeys:           MaxPageSize,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, o := range page.Objects {
			if strings.Contains(strings.ToLower(o.Key), strings.ToLower(query)) {
				results = append(results, o)
			}
		}
		if !page.IsTruncated {
			break
		}
		token = page.ContinuationToken
	}
	return results, nil
}
