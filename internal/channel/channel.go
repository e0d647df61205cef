// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package channel holds the configured tag/command data model: input
// channels (InCnl), control channels (CtrlCnl) and the (value, status)
// pair every channel carries. Everything here is read-only after startup
// (see internal/config for how it's populated).
package channel

import "math"

// CnlNum is a channel number. The wire encoding is a 16-bit positive
// integer; it is widened to uint32 in a few places where the protocol
// frame reserves more room (see internal/tcpserver).
type CnlNum uint16

// CnlType enumerates the kinds of input channel.
type CnlType uint8

const (
	CnlTypeTS             CnlType = iota // telesignal
	CnlTypeTI                            // teleintelligence
	CnlTypeDerivedTS                     // derived, per-cycle
	CnlTypeDerivedTI                     // derived, per-cycle
	CnlTypeDerivedTSMinute                // derived, per-minute
	CnlTypeDerivedTIMinute
	CnlTypeDerivedTSHour // derived, per-hour
	CnlTypeDerivedTIHour
	CnlTypeSwitchCounter
)

// IsDerived reports whether values of this type are computed from other
// channels rather than received from the field.
func (t CnlType) IsDerived() bool {
	switch t {
	case CnlTypeDerivedTS, CnlTypeDerivedTI, CnlTypeDerivedTSMinute, CnlTypeDerivedTIMinute,
		CnlTypeDerivedTSHour, CnlTypeDerivedTIHour:
		return true
	default:
		return false
	}
}

// DerivedScope is the cadence at which a derived channel's formula is
// reevaluated; see evaluator.DerivedPass.
type DerivedScope uint8

const (
	ScopeNone DerivedScope = iota
	ScopePerCycle
	ScopePerMinute
	ScopePerHour
)

// Scope returns the recomputation cadence for derived channel types, and
// ScopeNone for everything else.
func (t CnlType) Scope() DerivedScope {
	switch t {
	case CnlTypeDerivedTS, CnlTypeDerivedTI:
		return ScopePerCycle
	case CnlTypeDerivedTSMinute, CnlTypeDerivedTIMinute:
		return ScopePerMinute
	case CnlTypeDerivedTSHour, CnlTypeDerivedTIHour:
		return ScopePerHour
	default:
		return ScopeNone
	}
}

// Stat is a channel status code. Values 0-5 are the base statuses from
// spec §3; 6 and the limit-derived codes extend them.
type Stat uint16

const (
	StatUndefined    Stat = 0
	StatDefined      Stat = 1
	StatArchival     Stat = 2
	StatFormulaError Stat = 3
	StatUnreliable   Stat = 4
	StatChanged      Stat = 5
	StatNormal       Stat = 6
	StatLowCrash     Stat = 7
	StatLow          Stat = 8
	StatHigh         Stat = 9
	StatHighCrash    Stat = 10
)

// IsLimitStat reports whether s is one of the five threshold-derived
// statuses that limit clamping produces.
func (s Stat) IsLimitStat() bool {
	switch s {
	case StatNormal, StatLowCrash, StatLow, StatHigh, StatHighCrash:
		return true
	default:
		return false
	}
}

// Data is the (value, status) pair every channel carries, per spec §3.
type Data struct {
	Val  float64
	Stat Stat
}

// Defined reports whether d's stat is above Undefined. Every non-zero
// stat counts, FormulaError and Unreliable included.
func (d Data) Defined() bool {
	return d.Stat > StatUndefined
}

// InCnl is a configured input channel (tag).
type InCnl struct {
	CnlNum CnlNum
	Type   CnlType

	ObjNum  uint32
	KPNum   uint16
	ParamID uint16

	FormulaUsed bool
	Formula     string

	Averaging bool

	EvEnabled  bool
	EvOnChange bool
	EvOnUndef  bool

	LimLowCrash float64
	LimLow      float64
	LimHigh     float64
	LimHighCrash float64
}

// HasLimits reports whether at least one limit pair is configured, i.e.
// not all four thresholds are NaN.
func (c *InCnl) HasLimits() bool {
	return !math.IsNaN(c.LimLow) || !math.IsNaN(c.LimHigh) ||
		!math.IsNaN(c.LimLowCrash) || !math.IsNaN(c.LimHighCrash)
}

// CmdType enumerates the kinds of control channel command.
type CmdType uint8

const (
	CmdTypeStandard CmdType = iota // standard-numeric
	CmdTypeBinary                  // byte-array
	CmdTypeRequest                 // request, no payload formula
)

// CtrlCnl is a configured control channel (command endpoint).
type CtrlCnl struct {
	CtrlCnlNum uint16
	CmdType    CmdType

	ObjNum uint32
	KPNum  uint16
	CmdNum uint16

	FormulaUsed bool
	Formula     string

	EvEnabled bool
}

// NaN is the sentinel for "limit not set", matching spec §3's "NaN means
// not set".
var NaN = math.NaN()
