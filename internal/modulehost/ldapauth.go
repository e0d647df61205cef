// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Builtin module "ldapauth": implements validate_user by binding
// against a directory server, mirroring internal/auth/ldap.go's use of
// github.com/go-ldap/ldap/v3.
package modulehost

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/rtscada/scada-server/internal/auth"
)

func init() {
	RegisterBuiltin("ldapauth", newLDAPAuth)
}

type ldapAuthModule struct {
	BaseModule
	url        string
	userDNFmt  string // e.g. "uid=%s,ou=people,dc=example,dc=com"
	defaultRole auth.Role
}

func newLDAPAuth(_ string, config map[string]interface{}) (Hooks, error) {
	url, _ := config["url"].(string)
	userDNFmt, _ := config["user_dn_format"].(string)
	if url == "" || userDNFmt == "" {
		return nil, fmt.Errorf("ldapauth: config requires url and user_dn_format")
	}
	role := auth.Dispatcher
	if r, ok := config["default_role"].(string); ok {
		role = parseRoleName(r)
	}
	return &ldapAuthModule{url: url, userDNFmt: userDNFmt, defaultRole: role}, nil
}

func (m *ldapAuthModule) ValidateUser(name, pw string) (auth.Role, bool) {
	if pw == "" {
		return auth.Disabled, false // let the core user table answer role-lookup calls
	}
	conn, err := ldap.DialURL(m.url)
	if err != nil {
		return auth.Disabled, false
	}
	defer conn.Close()

	dn := fmt.Sprintf(m.userDNFmt, ldap.EscapeFilter(name))
	if err := conn.Bind(dn, pw); err != nil {
		return auth.Disabled, true
	}
	return m.defaultRole, true
}

func parseRoleName(s string) auth.Role {
	switch s {
	case "admin":
		return auth.Admin
	case "dispatcher":
		return auth.Dispatcher
	case "guest":
		return auth.Guest
	case "application":
		return auth.Application
	default:
		return auth.Disabled
	}
}
