// Package session holds the set of session tokens issued after a
// successful password login. Tokens live in memory only.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"sync"
)

// tokenBytes is the number of random bytes in a token (256 bits)
const tokenBytes = 32

// ErrInvalidPassword is returned by Login when the secret does not match
var ErrInvalidPassword = errors.New("invalid password")

// ErrAuthDisabled is returned by Login when no password is configured
var ErrAuthDisabled = errors.New("authentication disabled")

// Store represents the valid session tokens
type Store struct {
	sync.Mutex

	// digest of the configured password, nil when auth is disabled
	password []byte

	// tokens currently valid
	tokens map[string]struct{}

	// Rand is the source of token entropy - useful for mocking in test
	Rand func([]byte) (int, error) `json:"-" yaml:"-"`
}

// New returns a Store checking against password. An empty password
// disables authentication so every token is valid.
func New(password string) *Store {

	s := &Store{
		tokens: make(map[string]struct{}),
		Rand:   rand.Read,
	}

	if password != "" {
		d := sha256.Sum256([]byte(password))
		s.password = d[:]
	}

	return s
}

// Enabled returns true if a password is required
func (s *Store) Enabled() bool {
	return s.password != nil
}

// Login returns a new token if secret matches the configured password
func (s *Store) Login(secret string) (string, error) {

	if !s.Enabled() {
		return "", ErrAuthDisabled
	}

	// compare fixed-length digests so neither length nor the position
	// of the first mismatch affects timing
	d := sha256.Sum256([]byte(secret))

	if subtle.ConstantTimeCompare(d[:], s.password) != 1 {
		return "", ErrInvalidPassword
	}

	token, err := s.generate()

	if err != nil {
		return "", err
	}

	s.Lock()
	defer s.Unlock()

	s.tokens[token] = struct{}{}

	return token, nil
}

func (s *Store) generate() (string, error) {

	b := make([]byte, tokenBytes)

	n, err := s.Rand(b)

	if err != nil {
		return "", err
	}

	if n != tokenBytes {
		return "", errors.New("short read from random source")
	}

	return hex.EncodeToString(b), nil
}

// IsValid returns true if token was issued and not revoked, or if
// authentication is disabled
func (s *Store) IsValid(token string) bool {

	if !s.Enabled() {
		return true
	}

	s.Lock()
	defer s.Unlock()

	_, ok := s.tokens[token]

	return ok
}

// Revoke invalidates token; unknown tokens are ignored
func (s *Store) Revoke(token string) {
	s.Lock()
	defer s.Unlock()

	delete(s.tokens, token)
}

// Count returns the number of valid tokens
func (s *Store) Count() int {
	s.Lock()
	defer s.Unlock()

	return len(s.tokens)
}
