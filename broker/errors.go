package broker

import (
	"net/http"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/middleware"
)

// writeTaxonomyError is the broker's single error-mapping chokepoint: it
// never duplicates the code->HTTP-status mapping per handler.
func writeTaxonomyError(w http.ResponseWriter, r *http.Request, err error) {
	cmn.WriteError(w, middleware.GetRequestID(r.Context()), err)
}

func notFoundErr(message string) error {
	return cmn.NewTaxonomyErr(cmn.CodeNotFound, message, nil)
}

func badRequestErr(message string) error {
	return cmn.NewTaxonomyErr(cmn.CodeValidationInvalidParam, message, nil)
}

func providerNotConfiguredErr() error {
	return cmn.NewTaxonomyErr(cmn.CodeAuthInvalidCredentials, "no R2 credentials configured", nil)
}

func methodNotAllowedErr(method string) error {
	return cmn.NewTaxonomyErr(cmn.CodeMethodNotAllowed, "method not allowed: "+method, nil)
}

func fileTooLargeErr(limit int64) error {
	return cmn.NewTaxonomyErr(cmn.CodeValidationFileTooLarge, "request body exceeds the configured limit", map[string]interface{}{"maxBodyBytes": limit})
}
