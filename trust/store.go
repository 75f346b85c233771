// Package trust implements the signing-key trust policy: a mutable,
// file-backed allow/revoke list with per-key expiry. The publish path
// consults it on every verified publish; mutations and external edits
// to the file both refresh the in-memory view.
package trust

import (
	"encoding/json"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// Trust modes.
const (
	ModeEnforce = "enforce"
	ModeWarn    = "warn"
)

// KeyInfo carries per-key policy metadata.
type KeyInfo struct {
	ExpiresAt string `json:"expires_at,omitempty"` // ISO8601 / RFC3339
	Revoked   bool   `json:"revoked,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// document is the on-disk trust file layout.
type document struct {
	Mode   string             `json:"mode"`
	Allow  []string           `json:"allow"`
	Revoke []string           `json:"revoke"`
	Keys   map[string]KeyInfo `json:"keys"`
}

// Decision is the outcome of a trust check.
type Decision struct {
	Trusted bool   `json:"trusted"`
	Reason  string `json:"reason,omitempty"`
}

// Store is the in-memory view of the trust file. Reads dominate, so the
// view sits under a single RWMutex; every mutation persists back to disk.
type Store struct {
	path   string
	logger *zap.SugaredLogger

	mu  sync.RWMutex
	doc document
}

// NewStore loads (or initializes) the trust file at path. A missing file
// yields an empty warn-mode store and is created on first mutation.
func NewStore(path string, logger *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger,
		doc:    emptyDocument(),
	}
	if err := s.Reload(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Infow("Trust file missing, starting with empty warn-mode policy", "path", path)
	}
	return s, nil
}

func emptyDocument() document {
	return document{
		Mode:   ModeWarn,
		Allow:  []string{},
		Revoke: []string{},
		Keys:   map[string]KeyInfo{},
	}
}

// Reload re-reads the trust file, replacing the in-memory view.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "failed to read trust file %s", s.path)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "failed to parse trust file %s", s.path)
	}
	if doc.Mode != ModeEnforce && doc.Mode != ModeWarn {
		return errors.Newf("trust file %s has invalid mode %q", s.path, doc.Mode)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]KeyInfo{}
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()

	s.logger.Infow("Trust policy loaded",
		"path", s.path,
		"mode", doc.Mode,
		"allowed", len(doc.Allow),
		"revoked", len(doc.Revoke),
	)
	return nil
}

// persist writes the current view back to disk. Caller holds s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal trust document")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write trust file %s", s.path)
	}
	return nil
}

// Mode returns the active trust mode.
func (s *Store) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Mode
}

// Add places a key on the allow-list, optionally with an expiry.
func (s *Store) Add(keyID string, expiresAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !contains(s.doc.Allow, keyID) {
		s.doc.Allow = append(s.doc.Allow, keyID)
	}
	if expiresAt != "" {
		info := s.doc.Keys[keyID]
		info.ExpiresAt = expiresAt
		s.doc.Keys[keyID] = info
	}
	return s.persist()
}

// Revoke places a key on the revoke-list with a reason.
func (s *Store) Revoke(keyID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !contains(s.doc.Revoke, keyID) {
		s.doc.Revoke = append(s.doc.Revoke, keyID)
	}
	info := s.doc.Keys[keyID]
	info.Revoked = true
	info.Reason = reason
	s.doc.Keys[keyID] = info
	return s.persist()
}

// SetExpiry sets or replaces a key's expiry timestamp (RFC3339).
func (s *Store) SetExpiry(keyID, expiresAt string) error {
	if _, err := time.Parse(time.RFC3339, expiresAt); err != nil {
		return errors.Wrapf(err, "invalid expiry timestamp %q", expiresAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.doc.Keys[keyID]
	info.ExpiresAt = expiresAt
	s.doc.Keys[keyID] = info
	return s.persist()
}

// IsTrusted evaluates the trust policy for a key id:
// revoked keys are rejected first, then expired keys, then (in enforce
// mode only) keys absent from the allow-list.
func (s *Store) IsTrusted(keyID string) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if contains(s.doc.Revoke, keyID) || s.doc.Keys[keyID].Revoked {
		return Decision{Trusted: false, Reason: "revoked"}
	}

	if exp := s.doc.Keys[keyID].ExpiresAt; exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err == nil && time.Now().After(t) {
			return Decision{Trusted: false, Reason: "expired"}
		}
	}

	if s.doc.Mode == ModeEnforce && !contains(s.doc.Allow, keyID) {
		return Decision{Trusted: false, Reason: "not_in_allowlist"}
	}

	return Decision{Trusted: true}
}

func contains(ss []string, s string) bool {
	for _, e := range ss {
		if e == s {
			return true
		}
	}
	return false
}
