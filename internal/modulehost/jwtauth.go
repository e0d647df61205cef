// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Builtin module "jwtauth": implements validate_user for Application-
// role gateways that authenticate with a signed bearer token (passed as
// the "password" field) instead of a plaintext password, mirroring
// internal/auth/jwt.go's use of github.com/golang-jwt/jwt/v5.
package modulehost

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rtscada/scada-server/internal/auth"
)

func init() {
	RegisterBuiltin("jwtauth", newJWTAuth)
}

type jwtAuthModule struct {
	BaseModule
	secret []byte
	role   auth.Role
}

func newJWTAuth(_ string, config map[string]interface{}) (Hooks, error) {
	secret, _ := config["secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("jwtauth: config requires secret")
	}
	role := auth.Application
	if r, ok := config["role"].(string); ok {
		role = parseRoleName(r)
	}
	return &jwtAuthModule{secret: []byte(secret), role: role}, nil
}

// ValidateUser treats pw as a JWT whose "sub" claim must equal name.
// Unsigned/expired/wrong-subject tokens resolve to Disabled; any other
// value of pw (not a JWT at all) is left unhandled so another module or
// the core user table can try it.
func (m *jwtAuthModule) ValidateUser(name, pw string) (auth.Role, bool) {
	if pw == "" {
		return auth.Disabled, false
	}
	token, err := jwt.Parse(pw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("jwtauth: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return auth.Disabled, false
		}
		return auth.Disabled, true
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != name {
		return auth.Disabled, true
	}
	return m.role, true
}
