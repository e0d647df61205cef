// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scadaerr defines the error kinds from the server's error-handling
// design: which ones are fatal at startup, which are logged and retried,
// and which are scoped to a single channel, client or module.
package scadaerr

import "fmt"

// ConfigError means a required directory or base file is missing, or a
// formula failed to compile. Fatal at startup.
type ConfigError struct {
	Channel string // offending channel, if any
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("config error (channel %s): %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// IoError is a transient file read/write failure. Logged, retried on the
// next cadence.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error on %s: %s", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// FormatError means a snapshot or event file record failed a CRC/length
// check. The offending record is skipped; the file is treated as ending at
// the last valid record.
type FormatError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

// FormulaRuntimeError is caught per channel; the channel receives
// stat = StatFormulaError and the server continues.
type FormulaRuntimeError struct {
	CnlNum uint16
	Err    error
}

func (e *FormulaRuntimeError) Error() string {
	return fmt.Sprintf("formula runtime error on channel %d: %s", e.CnlNum, e.Err)
}

func (e *FormulaRuntimeError) Unwrap() error { return e.Err }

// ProtocolError means a malformed frame arrived from a client. Available
// bytes are drained, the error is logged, and the connection is kept open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// AuthError is returned by the authenticate command when the resolved role
// is Disabled or Error: the response is still sent, then the session is
// flagged for disconnect after flush.
type AuthError struct {
	User string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for user %q", e.User)
}

// ModuleError wraps anything a module hook throws. Logged with the module
// name; the core and other modules continue unaffected.
type ModuleError struct {
	Module string
	Hook   string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q hook %q failed: %s", e.Module, e.Hook, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }
