// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package calc implements the formula calculator (spec §4.3, component
// C): it compiles user-written channel and control-channel formulas at
// startup and evaluates them per snapshot.
//
// Formulas are compiled with github.com/expr-lang/expr, the same
// compile-once/run-many pattern internal/tagger/classifyJob.go uses for
// job classification rules (expr.Compile into a *vm.Program, expr.Run
// against an environment struct per evaluation).
package calc

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/scadaerr"
)

// SnapshotAccessor is the "in-progress snapshot" a formula's Val(n)/
// Stat(n)/SetVal/SetStat/SetData calls read and write, for n other than
// the channel currently being computed (spec §4.3).
type SnapshotAccessor interface {
	GetVal(n channel.CnlNum) float64
	GetStat(n channel.CnlNum) float64
	SetVal(n channel.CnlNum, v float64)
	SetStat(n channel.CnlNum, s float64)
	SetData(n channel.CnlNum, v, s float64)
}

// scope is the environment struct formulas execute against. expr
// resolves identifiers/calls against its exported fields and methods.
type scope struct {
	CnlVal  float64
	CnlStat float64
	Aux     map[string]float64

	cnl  channel.CnlNum
	snap SnapshotAccessor
}

func (s *scope) Val(n int) float64  { return s.snap.GetVal(channel.CnlNum(n)) }
func (s *scope) Stat(n int) float64 { return s.snap.GetStat(channel.CnlNum(n)) }

func (s *scope) SetVal(n int, v float64) bool {
	s.snap.SetVal(channel.CnlNum(n), v)
	return true
}

func (s *scope) SetStat(n int, st float64) bool {
	s.snap.SetStat(channel.CnlNum(n), st)
	return true
}

func (s *scope) SetData(n int, v, st float64) bool {
	s.snap.SetData(channel.CnlNum(n), v, st)
	return true
}

// Standard math library exposed to formulas (spec §4.3: "a standard math
// library").
func (s *scope) Abs(x float64) float64     { return math.Abs(x) }
func (s *scope) Sqrt(x float64) float64    { return math.Sqrt(x) }
func (s *scope) Pow(x, y float64) float64  { return math.Pow(x, y) }
func (s *scope) Floor(x float64) float64   { return math.Floor(x) }
func (s *scope) Ceil(x float64) float64    { return math.Ceil(x) }
func (s *scope) Round(x float64) float64   { return math.Round(x) }
func (s *scope) Sin(x float64) float64     { return math.Sin(x) }
func (s *scope) Cos(x float64) float64     { return math.Cos(x) }
func (s *scope) Exp(x float64) float64     { return math.Exp(x) }
func (s *scope) Log(x float64) float64     { return math.Log(x) }
func (s *scope) Min(x, y float64) float64  { return math.Min(x, y) }
func (s *scope) Max(x, y float64) float64  { return math.Max(x, y) }

type channelProgram struct {
	valueProg *vm.Program
	statProg  *vm.Program // nil if no status expression was given
}

// AuxFormula is a loose, scope-level definition from the configuration
// base (spec §4.3 point 3): evaluated once at startup, in order, with
// earlier aux results visible to later ones, and the final map exposed to
// every channel/control formula as Aux["name"].
type AuxFormula struct {
	Name    string
	Formula string
}

// Calculator compiles and evaluates formulas. All evaluation happens
// under calcMu, per spec §4.3/§5 ("formula evaluation is single-threaded
// per snapshot; the evaluator holds the calculator's lock").
type Calculator struct {
	calcMu sync.Mutex

	channelProgs map[channel.CnlNum]*channelProgram
	ctrlProgs    map[uint16]*vm.Program
	aux          map[string]float64
}

// Compile compiles every formula-bearing input channel, control channel
// and auxiliary formula. A compile failure aborts with a ConfigError
// naming the offending channel; expr's own error already carries the
// source line/column, which is preserved in the wrapped message (spec
// §4.3: "a diagnostic that names the offending channel and the source
// line/column").
func Compile(inCnls []*channel.InCnl, ctrlCnls []*channel.CtrlCnl, auxFormulas []AuxFormula) (*Calculator, error) {
	c := &Calculator{
		channelProgs: map[channel.CnlNum]*channelProgram{},
		ctrlProgs:    map[uint16]*vm.Program{},
		aux:          map[string]float64{},
	}

	for _, af := range auxFormulas {
		prog, err := expr.Compile(af.Formula, expr.Env(&scope{}), expr.AsFloat64())
		if err != nil {
			return nil, &scadaerr.ConfigError{Channel: "aux:" + af.Name, Reason: err.Error()}
		}
		out, err := expr.Run(prog, &scope{Aux: c.aux})
		if err != nil {
			return nil, &scadaerr.ConfigError{Channel: "aux:" + af.Name, Reason: err.Error()}
		}
		c.aux[af.Name] = out.(float64)
	}

	for _, cnl := range inCnls {
		if !cnl.FormulaUsed {
			continue
		}
		valSrc, statSrc, _ := strings.Cut(cnl.Formula, ";")
		valSrc = strings.TrimSpace(valSrc)
		statSrc = strings.TrimSpace(statSrc)

		valProg, err := expr.Compile(valSrc, expr.Env(&scope{}), expr.AsFloat64())
		if err != nil {
			return nil, &scadaerr.ConfigError{Channel: fmt.Sprintf("cnl:%d", cnl.CnlNum), Reason: err.Error()}
		}

		cp := &channelProgram{valueProg: valProg}
		if statSrc != "" {
			statProg, err := expr.Compile(statSrc, expr.Env(&scope{}), expr.AsFloat64())
			if err != nil {
				return nil, &scadaerr.ConfigError{Channel: fmt.Sprintf("cnl:%d", cnl.CnlNum), Reason: err.Error()}
			}
			cp.statProg = statProg
		}
		c.channelProgs[cnl.CnlNum] = cp
	}

	for _, ctrl := range ctrlCnls {
		if !ctrl.FormulaUsed {
			continue
		}
		prog, err := expr.Compile(ctrl.Formula, expr.Env(&scope{}))
		if err != nil {
			return nil, &scadaerr.ConfigError{Channel: fmt.Sprintf("ctrlCnl:%d", ctrl.CtrlCnlNum), Reason: err.Error()}
		}
		c.ctrlProgs[ctrl.CtrlCnlNum] = prog
	}

	return c, nil
}

// HasFormula reports whether cnlNum has a compiled channel formula.
func (c *Calculator) HasFormula(cnlNum channel.CnlNum) bool {
	_, ok := c.channelProgs[cnlNum]
	return ok
}

// Calc evaluates the channel's formula against old/new data, per the
// calc(channel, old_data, new_data) -> new_data contract in spec §4.3.
// Any runtime panic or error, and a non-finite value result (such as a
// division by zero), surfaces as stat = StatFormulaError while preserving
// the received raw value.
func (c *Calculator) Calc(cnlNum channel.CnlNum, old, new channel.Data, snap SnapshotAccessor) (result channel.Data) {
	c.calcMu.Lock()
	defer c.calcMu.Unlock()

	cp, ok := c.channelProgs[cnlNum]
	if !ok {
		return new
	}

	defer func() {
		if r := recover(); r != nil {
			result = channel.Data{Val: new.Val, Stat: channel.StatFormulaError}
		}
	}()

	// CnlVal/CnlStat expose the freshly received reading; old is only
	// used by the caller (the evaluator) for change detection, since expr
	// has no implicit "no-argument Val()" for the channel being computed.
	_ = old
	env := &scope{
		CnlVal:  new.Val,
		CnlStat: float64(new.Stat),
		Aux:     c.aux,
		cnl:     cnlNum,
		snap:    snap,
	}

	valOut, err := expr.Run(cp.valueProg, env)
	if err != nil {
		return channel.Data{Val: new.Val, Stat: channel.StatFormulaError}
	}
	val := valOut.(float64)
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return channel.Data{Val: new.Val, Stat: channel.StatFormulaError}
	}

	stat := channel.StatDefined
	if cp.statProg != nil {
		statOut, err := expr.Run(cp.statProg, env)
		if err != nil {
			return channel.Data{Val: new.Val, Stat: channel.StatFormulaError}
		}
		stat = channel.Stat(uint16(statOut.(float64)))
	}

	return channel.Data{Val: val, Stat: stat}
}

// CalcCtrlNumeric evaluates a standard-numeric control channel formula,
// returning the scalar command value. The formula may reference other
// channels' current values through Val(n)/Stat(n) against snap.
func (c *Calculator) CalcCtrlNumeric(ctrlCnlNum uint16, snap SnapshotAccessor) (val float64, err error) {
	c.calcMu.Lock()
	defer c.calcMu.Unlock()

	prog, ok := c.ctrlProgs[ctrlCnlNum]
	if !ok {
		return 0, fmt.Errorf("calc: no formula for control channel %d", ctrlCnlNum)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calc: formula panic: %v", r)
		}
	}()

	out, runErr := expr.Run(prog, &scope{Aux: c.aux, snap: snap})
	if runErr != nil {
		return 0, runErr
	}
	f, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("calc: control formula %d did not produce a number", ctrlCnlNum)
	}
	return f, nil
}

// CalcCtrlBinary evaluates a binary control-channel formula, returning
// the command payload bytes. The expression may produce a string (used
// verbatim as bytes) or a slice of numbers (each truncated to a byte).
func (c *Calculator) CalcCtrlBinary(ctrlCnlNum uint16, snap SnapshotAccessor) (data []byte, err error) {
	c.calcMu.Lock()
	defer c.calcMu.Unlock()

	prog, ok := c.ctrlProgs[ctrlCnlNum]
	if !ok {
		return nil, fmt.Errorf("calc: no formula for control channel %d", ctrlCnlNum)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("calc: formula panic: %v", r)
		}
	}()

	out, runErr := expr.Run(prog, &scope{Aux: c.aux, snap: snap})
	if runErr != nil {
		return nil, runErr
	}
	return toByteArray(out)
}

func toByteArray(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case []interface{}:
		out := make([]byte, len(x))
		for i, e := range x {
			n, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("calc: binary formula element %d is not numeric", i)
			}
			out[i] = byte(int64(n))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("calc: binary formula produced unsupported type %T", v)
	}
}
