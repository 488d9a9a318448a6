// Package auth resolves bearer tokens to users and their roles.
package auth

import (
	"errors"
	"slices"
	"strings"
)

// Roles checked by the Flight service.
const (
	// RoleReader may query segments and classify customers.
	RoleReader = "reader"
	// RoleWriter may ingest transactions, retrain and reload the model.
	RoleWriter = "writer"
)

// ErrUnknownUser is returned for usernames without an entry.
var ErrUnknownUser = errors.New("unknown user")

type RoleManager interface {
	HasRole(username, role string) bool
}

type UserManager interface {
	GetUser(username string) (User, error)
}

// Authenticator maps a bearer token to its user.
type Authenticator interface {
	RoleManager
	Authenticate(token string) (User, bool)
}

type User struct {
	Username string   `yaml:"username"`
	Roles    []string `yaml:"roles"`
}

// Tokens is a static token table.
type Tokens struct {
	byToken map[string]User
	byName  map[string]User
}

// NewTokens builds a table from token -> user. A writer is also a reader.
func NewTokens(users map[string]User) *Tokens {
	t := &Tokens{
		byToken: make(map[string]User, len(users)),
		byName:  make(map[string]User, len(users)),
	}
	for token, u := range users {
		roles := slices.Clone(u.Roles)
		if slices.Contains(roles, RoleWriter) && !slices.Contains(roles, RoleReader) {
			roles = append(roles, RoleReader)
		}
		u.Roles = roles
		t.byToken[token] = u
		t.byName[u.Username] = u
	}
	return t
}

// Authenticate returns the user owning token.
func (t *Tokens) Authenticate(token string) (User, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, false
	}
	u, ok := t.byToken[token]
	return u, ok
}

// GetUser returns the user named username.
func (t *Tokens) GetUser(username string) (User, error) {
	u, ok := t.byName[username]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

// HasRole reports whether username holds role.
func (t *Tokens) HasRole(username, role string) bool {
	u, ok := t.byName[username]
	return ok && slices.Contains(u.Roles, role)
}
