// Package auth defines the SASL PLAIN/LOGIN mechanism drivers and the
// pluggable AuthenticationHandler contract the session invokes after
// decoding a mechanism's credentials.
package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Outcome is the result of a verify call. Failures never reveal which of
// the identifier or password was wrong.
type Outcome struct {
	Succeeded bool
	Identity  string
	Reason    string
}

// Handler verifies a (authcid, password) pair produced by a SASL mechanism.
// Implementations must be safe for concurrent calls.
type Handler interface {
	Verify(authcid, password string) Outcome
}

// DecodePlain parses a base64-encoded SASL PLAIN initial response of the
// form "authzid\0authcid\0passwd" and returns the authcid/password pair.
func DecodePlain(b64 string) (authcid, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", errors.New("invalid base64 in AUTH PLAIN response")
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return "", "", errors.New("malformed AUTH PLAIN response")
	}
	return parts[1], parts[2], nil
}

// DecodeLoginField base64-decodes a single AUTH LOGIN prompt response
// (username or password).
func DecodeLoginField(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", errors.New("invalid base64 in AUTH LOGIN response")
	}
	return string(raw), nil
}

// EncodePrompt base64-encodes a server challenge string for a 334 reply.
func EncodePrompt(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// BcryptStore is a reference AuthenticationHandler backed by an in-memory
// map of identity to bcrypt hash. It is the one reference implementation
// the core ships; real deployments supply their own Handler.
type BcryptStore struct {
	mu    sync.RWMutex
	hash  map[string][]byte
}

// NewBcryptStore returns an empty credential store.
func NewBcryptStore() *BcryptStore {
	return &BcryptStore{hash: make(map[string][]byte)}
}

// SetPassword hashes and stores password for identity, replacing any
// existing credential.
func (s *BcryptStore) SetPassword(identity, password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash[identity] = h
	return nil
}

// Verify implements Handler.
func (s *BcryptStore) Verify(authcid, password string) Outcome {
	s.mu.RLock()
	h, ok := s.hash[authcid]
	s.mu.RUnlock()
	if !ok {
		// Run bcrypt anyway against a fixed dummy hash so that an unknown
		// identity takes the same time as a wrong password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Outcome{Reason: "authentication failed"}
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(password)); err != nil {
		return Outcome{Reason: "authentication failed"}
	}
	return Outcome{Succeeded: true, Identity: authcid}
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("postguard-dummy"), bcrypt.DefaultCost)
