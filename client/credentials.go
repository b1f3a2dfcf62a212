package client

import (
	"bytes"
	"os"
)

// CredentialSource looks up the current password. It's consulted on every
// handshake and every re-authentication, so rotated secrets are picked up.
//
// Implementations must not log the value they return.
type CredentialSource interface {
	Password() (string, bool)
}

// CredentialFunc adapts a function to a CredentialSource.
type CredentialFunc func() (string, bool)

func (f CredentialFunc) Password() (string, bool) {
	return f()
}

// StaticPassword always returns the same password.
type StaticPassword string

func (p StaticPassword) Password() (string, bool) {
	return string(p), p != ""
}

// EnvPassword reads the password from an environment variable.
type EnvPassword string

func (e EnvPassword) Password() (string, bool) {
	password, ok := os.LookupEnv(string(e))
	return password, ok && password != ""
}

// FilePassword reads the password from a file, e.g. a mounted secret. The
// file is read on every lookup and surrounding whitespace is ignored.
type FilePassword string

func (f FilePassword) Password() (string, bool) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", false
	}

	password := bytes.TrimSpace(data)
	return string(password), len(password) > 0
}
