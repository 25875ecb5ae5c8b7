package middleware

import (
	"fmt"
	"net/http"

	"github.com/cloudflare-r2-browser/core/cmn"
)

// Recover converts a panic anywhere downstream into an INTERNAL_SERVER_ERROR
// envelope instead of crashing the broker process.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				cmn.Errorf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				cmn.WriteError(w, GetRequestID(r.Context()),
					cmn.NewTaxonomyErr(cmn.CodeInternal, fmt.Sprintf("internal error: %v", rec), nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
