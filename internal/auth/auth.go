// Package auth implements the BRQueue authenticator (spec §4.3): a
// side-effect-free, thread-safe predicate over (username, password)
// checked once per session before any other request is accepted.
package auth

import "golang.org/x/crypto/bcrypt"

// bcryptCost is the bcrypt work factor used to hash the shared credential
// at construction time.
const bcryptCost = 10

// Authenticator is the contract the session handler drives against
// (spec §4.3): Verify never mutates state and is safe for concurrent use.
type Authenticator interface {
	Verify(username, password string) bool
}

// Static is the single-shared-credential authenticator spec §1 and §9's
// Open Questions call for: exactly one (username, password) per process,
// no multi-user ACLs. The password is hashed once at construction time
// so the credential never lives in memory as plaintext, following the
// original implementation's bcrypt-hash-then-compare approach
// (original_source/src/authentication/mod.rs).
type Static struct {
	username string
	hash     []byte
}

// NewStatic hashes password with bcrypt and returns an Authenticator that
// accepts exactly this (username, password) pair.
func NewStatic(username, password string) (*Static, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, err
	}
	return &Static{username: username, hash: hash}, nil
}

// Verify reports whether username/password match the configured
// credential. It is safe to call from many goroutines at once: both
// fields are immutable after NewStatic returns.
func (s *Static) Verify(username, password string) bool {
	if username != s.username {
		// Still run bcrypt so a wrong username doesn't respond
		// measurably faster than a wrong password.
		bcrypt.CompareHashAndPassword(s.hash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(s.hash, []byte(password)) == nil
}
