package provider

import (
	"context"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/pkg/errors"

	"github.com/cloudflare-r2-browser/core/cmn"
)

// ProviderError is the provider's TaxonomyError. classifyAWSError is the
// single chokepoint mapping aws-sdk-go errors onto the shared error
// taxonomy.
type ProviderError struct {
	cmn.TaxonomyErr
}

func wrap(cause error, code, message string) *ProviderError {
	return &ProviderError{TaxonomyErr: *cmn.WrapTaxonomyErr(errors.Wrap(cause, message), code, nil)}
}

// classifyAWSError maps an aws-sdk-go error to the shared error taxonomy.
// Plain network errors and unrecognized request failures are classified
// as R2_SERVICE_ERROR: the Provider Client itself never retries (retry
// policy belongs to the Transfer Engine and HTTP Broker).
func classifyAWSError(err error) *ProviderError {
	if err == nil {
		return nil
	}
	reqErr, ok := err.(awserr.RequestFailure)
	if !ok {
		if awsErr, ok := err.(awserr.Error); ok {
			return classifyAWSErrCode(awsErr.Code(), awsErr, awsErr.Message())
		}
		return wrap(err, cmn.CodeR2ServiceError, "provider request failed")
	}
	return classifyAWSErrCode(reqErr.Code(), reqErr, reqErr.Message())
}

func classifyAWSErrCode(code string, cause error, message string) *ProviderError {
	switch code {
	case "NoSuchBucket":
		return wrap(cause, cmn.CodeBucketNotFound, message)
	case "NoSuchKey":
		return wrap(cause, cmn.CodeObjectNotFound, message)
	case "AccessDenied":
		return wrap(cause, cmn.CodeAuthPermissionDenied, message)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "RequestTimeTooSkewed":
		return wrap(cause, cmn.CodeAuthInvalidCredentials, message)
	case "RequestTimeout":
		return wrap(cause, cmn.CodeR2Timeout, message)
	case "RequestCanceled":
		// aws-sdk-go reports an expired context deadline under this code.
		if ae, ok := cause.(awserr.Error); ok && ae.OrigErr() == context.DeadlineExceeded {
			return wrap(cause, cmn.CodeR2Timeout, message)
		}
		return wrap(cause, cmn.CodeR2ServiceError, message)
	default:
		return wrap(cause, cmn.CodeR2ServiceError, message)
	}
}
