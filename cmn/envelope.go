package cmn

import (
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is the codec every envelope is marshaled through. json-iterator is
// API-compatible with encoding/json but avoids its reflection overhead on
// the broker's hottest path: object-listing responses.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the uniform wire shape every broker route returns.
type Envelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *WireError  `json:"error,omitempty"`
	Meta   Meta        `json:"meta"`
}

type WireError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type Meta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
}

// WriteOK writes a 2xx/201 success envelope.
func WriteOK(w http.ResponseWriter, requestID string, status int, data interface{}) {
	env := Envelope{
		Status: "ok",
		Data:   data,
		Meta:   Meta{Timestamp: time.Now().UTC().Format(time.RFC3339), RequestID: requestID},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// DecodeJSON decodes a request body through the same codec WriteOK/
// WriteError encode with, so request and response bodies round-trip
// through one json-iterator configuration.
func DecodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// WriteError writes an error envelope for a TaxonomyError (or a plain
// error, folded to INTERNAL_SERVER_ERROR).
func WriteError(w http.ResponseWriter, requestID string, err error) {
	code := CodeInternal
	msg := err.Error()
	var details interface{}
	if te, ok := err.(TaxonomyError); ok {
		code = te.Code()
		details = te.Details()
	}
	env := Envelope{
		Status: "error",
		Error:  &WireError{Code: code, Message: msg, Details: details},
		Meta:   Meta{Timestamp: time.Now().UTC().Format(time.RFC3339), RequestID: requestID},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatusForCode(code))
	_ = json.NewEncoder(w).Encode(env)
}
