package transfer

import (
	"github.com/pkg/errors"

	"github.com/cloudflare-r2-browser/core/cmn"
)

// TransferError is the taxonomy error this package raises, matching the
// CredentialError/ProviderError shape used elsewhere in the module.
type TransferError struct {
	cmn.TaxonomyErr
}

func newErr(cause error, code, message string) *TransferError {
	if cause == nil {
		return &TransferError{TaxonomyErr: *cmn.NewTaxonomyErr(code, message, nil)}
	}
	return &TransferError{TaxonomyErr: *cmn.WrapTaxonomyErr(errors.Wrap(cause, message), code, nil)}
}

func errTaskNotFound(id string) *TransferError {
	return newErr(nil, cmn.CodeValidationInvalidParam, "task not found: "+id)
}

func errInvalidTransition(from, to Status) *TransferError {
	return newErr(nil, cmn.CodeValidationInvalidParam, "cannot transition from "+string(from)+" to "+string(to))
}
