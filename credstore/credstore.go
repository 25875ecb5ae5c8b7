// Package credstore persists and retrieves R2 credentials for the local
// user: a single JSON file written atomically with restrictive
// permissions.
package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/cloudflare-r2-browser/core/cmn"
)

const (
	dirMode  = 0o700
	fileMode = 0o600

	settingsFile = "settings.json"
)

// Credentials is the persisted record. Endpoint is derived,
// never supplied by the caller.
type Credentials struct {
	AccountID       string `json:"accountId"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Endpoint        string `json:"endpoint"`
	LastUpdated     string `json:"lastUpdated"`
}

func deriveEndpoint(accountID string) string {
	return "https://" + accountID + ".r2.cloudflarestorage.com"
}

// CredentialError is the store's own TaxonomyError; filesystem paths
// never leak into Message.
type CredentialError struct {
	cmn.TaxonomyErr
}

func newErr(cause error, code, message string) *CredentialError {
	if cause == nil {
		return &CredentialError{TaxonomyErr: *cmn.NewTaxonomyErr(code, message, nil)}
	}
	return &CredentialError{TaxonomyErr: *cmn.WrapTaxonomyErr(errors.Wrap(cause, message), code, nil)}
}

// Store is a single-writer, copy-on-read credential store. One process
// should own one Store for one settings directory.
type Store struct {
	mu   sync.Mutex
	dir  string
	path string
}

// New returns a Store rooted at dir (typically cmn.SettingsDir()).
func New(dir string) *Store {
	return &Store{dir: dir, path: filepath.Join(dir, settingsFile)}
}

// Save validates accountId/accessKeyId/secretAccessKey are all non-empty,
// derives the endpoint, stamps lastUpdated, and writes the record
// atomically (temp file + rename) with 0700/0600 modes.
func (s *Store) Save(accountID, accessKeyID, secretAccessKey string) (Credentials, error) {
	if accountID == "" || accessKeyID == "" || secretAccessKey == "" {
		return Credentials{}, newErr(nil, cmn.CodeValidationInvalidParam,
			"accountId, accessKeyId, and secretAccessKey are all required")
	}

	creds := Credentials{
		AccountID:       accountID,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Endpoint:        deriveEndpoint(accountID),
		LastUpdated:     time.Now().UTC().Format(time.RFC3339),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return Credentials{}, newErr(err, cmn.CodeInternal, "failed to prepare settings directory")
	}

	if err := atomicWriteJSON(s.path, creds); err != nil {
		return Credentials{}, newErr(err, cmn.CodeInternal, "failed to persist credentials")
	}

	return creds, nil
}

// Load returns the persisted credentials, or (Credentials{}, false, nil)
// when no file exists. A parse failure is logged and treated as absent,
// never surfaced as an error to the caller.
func (s *Store) Load() (Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, newErr(err, cmn.CodeInternal, "failed to read credentials")
	}

	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		cmn.Warnf("credstore: discarding unparsable settings file: %v", err)
		return Credentials{}, false, nil
	}
	return creds, true, nil
}

// Clear removes the settings file. Idempotent: a missing file is not an
// error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return newErr(err, cmn.CodeInternal, "failed to clear credentials")
	}
	return nil
}

// atomicWriteJSON writes to a sibling temp file, flushes and closes it,
// then renames onto the final path so readers never observe a partial
// write.
func atomicWriteJSON(path string, v interface{}) (err error) {
	tmp := path + ".tmp." + shortid.MustGenerate()

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp, fileMode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
