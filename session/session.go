// Package session holds decrypted key material for the duration of a
// run. Keys live only here, in memory, and are wiped on teardown; no
// other component ever persists them.
package session

import (
	"errors"
	"sync"

	"github.com/speedyibbi/runestone/crypto"
)

var (
	// ErrAlreadyLoaded is returned when a key slot is already occupied.
	// The caller must explicitly clear the session first; keys are never
	// silently replaced.
	ErrAlreadyLoaded = errors.New("session: already loaded")

	// ErrNotLoaded is returned when a requested key is not in the session.
	ErrNotLoaded = errors.New("session: not loaded")
)

// Session is the caller-owned holder of the account's master key and
// any open notebooks' file keys. Notebooks are independent: loading or
// dropping one notebook's key never touches another's.
type Session struct {
	mu        sync.RWMutex
	accountID string
	mek       []byte
	feks      map[string][]byte
	closed    bool
}

// New creates an empty session for an account.
func New(accountID string) *Session {
	return &Session{
		accountID: accountID,
		feks:      make(map[string][]byte),
	}
}

// AccountID returns the session's account id.
func (s *Session) AccountID() string {
	return s.accountID
}

// LoadMEK stores the decrypted master key. The session takes ownership
// of the slice.
func (s *Session) LoadMEK(mek []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotLoaded
	}
	if s.mek != nil {
		return ErrAlreadyLoaded
	}
	s.mek = mek
	return nil
}

// MEK returns the master key, or ErrNotLoaded.
func (s *Session) MEK() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mek == nil {
		return nil, ErrNotLoaded
	}
	return s.mek, nil
}

// LoadFEK stores a notebook's decrypted file key. The session takes
// ownership of the slice.
func (s *Session) LoadFEK(notebookID string, fek []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotLoaded
	}
	if _, ok := s.feks[notebookID]; ok {
		return ErrAlreadyLoaded
	}
	s.feks[notebookID] = fek
	return nil
}

// FEK returns a notebook's file key, or ErrNotLoaded.
func (s *Session) FEK(notebookID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fek, ok := s.feks[notebookID]
	if !ok {
		return nil, ErrNotLoaded
	}
	return fek, nil
}

// HasFEK reports whether a notebook's key is loaded.
func (s *Session) HasFEK(notebookID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.feks[notebookID]
	return ok
}

// DropFEK wipes and removes one notebook's key, leaving the rest of the
// session intact.
func (s *Session) DropFEK(notebookID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fek, ok := s.feks[notebookID]; ok {
		crypto.Wipe(fek)
		delete(s.feks, notebookID)
	}
}

// Close wipes all key material and renders the session unusable.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.mek != nil {
		crypto.Wipe(s.mek)
		s.mek = nil
	}
	for id, fek := range s.feks {
		crypto.Wipe(fek)
		delete(s.feks, id)
	}
}
