package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cloudflare-r2-browser/core/cmn"
)

var redactedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
	"x-api-key":     true,
}

var sensitiveQueryParam = regexp.MustCompile(`(?i)token|key|secret|password|credential`)

// redactURL masks the values (not the names) of any query parameter whose
// name matches sensitiveQueryParam, so access logs never leak credentials
// passed as query strings.
func redactURL(u *url.URL) string {
	q := u.Query()
	if len(q) == 0 {
		return u.String()
	}
	redacted := false
	for name := range q {
		if sensitiveQueryParam.MatchString(name) {
			q.Set(name, "REDACTED")
			redacted = true
		}
	}
	if !redacted {
		return u.String()
	}
	out := *u
	out.RawQuery = q.Encode()
	return out.String()
}

func redactedHeaderSummary(h http.Header) string {
	var parts []string
	for name := range h {
		if redactedHeaders[strings.ToLower(name)] {
			parts = append(parts, strings.ToLower(name)+"=REDACTED")
		}
	}
	return strings.Join(parts, " ")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging records one line per request: method, redacted path, status,
// duration, and request id.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := redactURL(r.URL)
		hdrs := redactedHeaderSummary(r.Header)
		if hdrs != "" {
			hdrs = " " + hdrs
		}
		cmn.Infof("%s %s %d %s %s%s", r.Method, path, rec.status, time.Since(start), GetRequestID(r.Context()), hdrs)
	})
}
