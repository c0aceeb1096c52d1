package server

import (
	"crypto/subtle"
	"errors"
)

// ErrAuthFailed is returned by Authenticators when the presented
// credential does not match. Authentication failures are connection-fatal.
var ErrAuthFailed = errors.New("password authentication failed")

// Authenticator validates a user's presented credential. Implementations
// are shared across connections and must be safe for concurrent use.
type Authenticator interface {
	Authenticate(username, password string) error
}

// StaticAuthenticator validates credentials against a fixed user table,
// typically loaded from the server config file.
type StaticAuthenticator struct {
	users map[string]string
}

// NewStaticAuthenticator builds an authenticator over a username→password map.
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

func (a *StaticAuthenticator) Authenticate(username, password string) error {
	expected, ok := a.users[username]
	if !ok {
		return ErrAuthFailed
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
		return ErrAuthFailed
	}
	return nil
}
