// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auth resolves a client's credentials to a Role and enforces
// which protocol commands each role is permitted to run (spec §6).
package auth

import "github.com/rtscada/scada-server/internal/scadaerr"

// Role is the coarse permission class assigned to an authenticated
// session (spec §6, glossary "Role").
type Role uint8

const (
	Disabled Role = iota
	Admin
	Dispatcher
	Guest
	Application
	Error
)

func (r Role) String() string {
	switch r {
	case Disabled:
		return "disabled"
	case Admin:
		return "admin"
	case Dispatcher:
		return "dispatcher"
	case Guest:
		return "guest"
	case Application:
		return "application"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// CanWriteData reports whether r may run the data-write commands:
// write-current, write-archive, write-event.
func (r Role) CanWriteData() bool {
	return r == Application
}

// CanSendTU reports whether r may send a TU (control) command. Spec
// §4.5: allowed for Application, Admin and Dispatcher.
func (r Role) CanSendTU() bool {
	return r == Application || r == Admin || r == Dispatcher
}

// Usable reports whether authentication succeeded for practical purposes;
// Disabled and Error both fail the session (spec §6/§7: AuthError).
func (r Role) Usable() bool {
	return r != Disabled && r != Error
}

// Credentials is one row from the user configuration base.
type Credentials struct {
	UserName     string
	PasswordHash string
	Role         Role
}

// Store resolves user names to roles. The default implementation reads
// the configuration base's user table (internal/config); builtin modules
// such as ldapauth/jwtauth (internal/modulehost) can instead delegate to
// an external identity provider through the validate_user hook.
type Store struct {
	users map[string]Credentials
}

func NewStore(creds []Credentials) *Store {
	s := &Store{users: make(map[string]Credentials, len(creds))}
	for _, c := range creds {
		s.users[c.UserName] = c
	}
	return s
}

// Validate resolves name/pw against the user table, returning the role
// and, for a user whose role is Disabled or Error, an AuthError alongside
// it. An unknown user resolves to Disabled rather than an error,
// matching spec §6: "Authentication returns Disabled for unknown users".
func (s *Store) Validate(name, pw string) (Role, error) {
	c, ok := s.users[name]
	if !ok {
		return Disabled, nil
	}
	if pw == "" {
		// A role-lookup call by an already-authenticated client; the
		// caller is responsible for having verified that precondition.
		return c.Role, nil
	}
	if !verifyPassword(c.PasswordHash, pw) {
		return Disabled, nil
	}
	if !c.Role.Usable() {
		return c.Role, &scadaerr.AuthError{User: name}
	}
	return c.Role, nil
}
