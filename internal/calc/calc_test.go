// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package calc

import (
	"testing"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/stretchr/testify/require"
)

type fakeSnapshot struct {
	vals  map[channel.CnlNum]float64
	stats map[channel.CnlNum]float64
}

func newFakeSnapshot() *fakeSnapshot {
	return &fakeSnapshot{vals: map[channel.CnlNum]float64{}, stats: map[channel.CnlNum]float64{}}
}

func (f *fakeSnapshot) GetVal(n channel.CnlNum) float64  { return f.vals[n] }
func (f *fakeSnapshot) GetStat(n channel.CnlNum) float64 { return f.stats[n] }
func (f *fakeSnapshot) SetVal(n channel.CnlNum, v float64) { f.vals[n] = v }
func (f *fakeSnapshot) SetStat(n channel.CnlNum, s float64) { f.stats[n] = s }
func (f *fakeSnapshot) SetData(n channel.CnlNum, v, s float64) {
	f.vals[n] = v
	f.stats[n] = s
}

func TestCalcAppliesValueFormula(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, FormulaUsed: true, Formula: "CnlVal * 2"}
	c, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	got := c.Calc(1, channel.Data{}, channel.Data{Val: 21, Stat: channel.StatDefined}, snap)
	require.Equal(t, 42.0, got.Val)
	require.Equal(t, channel.StatDefined, got.Stat)
}

func TestCalcStatusExpressionOverridesDefault(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, FormulaUsed: true, Formula: "CnlVal; CnlVal > 100 ? 9 : 6"}
	c, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	got := c.Calc(1, channel.Data{}, channel.Data{Val: 150, Stat: channel.StatDefined}, snap)
	require.Equal(t, channel.StatHigh, got.Stat)
}

func TestCalcCatchesRuntimeErrorAndPreservesRawValue(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, FormulaUsed: true, Formula: "Val(999) / 0"}
	c, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	got := c.Calc(1, channel.Data{}, channel.Data{Val: 5, Stat: channel.StatDefined}, snap)
	require.Equal(t, channel.StatFormulaError, got.Stat)
	require.Equal(t, 5.0, got.Val)
}

func TestCalcCrossChannelReference(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 2, FormulaUsed: true, Formula: "Val(1) + CnlVal"}
	c, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	snap.SetVal(1, 10)
	got := c.Calc(2, channel.Data{}, channel.Data{Val: 5, Stat: channel.StatDefined}, snap)
	require.Equal(t, 15.0, got.Val)
}

func TestCalcSetValSideEffect(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 3, FormulaUsed: true, Formula: "SetVal(100, CnlVal * 10) ? CnlVal : CnlVal"}
	c, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	c.Calc(3, channel.Data{}, channel.Data{Val: 4, Stat: channel.StatDefined}, snap)
	require.Equal(t, 40.0, snap.GetVal(100))
}

func TestAuxFormulaVisibleToChannelFormula(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, FormulaUsed: true, Formula: "CnlVal * Aux[\"scale\"]"}
	aux := []AuxFormula{{Name: "scale", Formula: "3"}}
	c, err := Compile([]*channel.InCnl{cnl}, nil, aux)
	require.NoError(t, err)

	snap := newFakeSnapshot()
	got := c.Calc(1, channel.Data{}, channel.Data{Val: 2, Stat: channel.StatDefined}, snap)
	require.Equal(t, 6.0, got.Val)
}

func TestCompileRejectsBadFormula(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, FormulaUsed: true, Formula: "(CnlVal + 1"}
	_, err := Compile([]*channel.InCnl{cnl}, nil, nil)
	require.Error(t, err)
}

func TestCalcCtrlBinaryFromString(t *testing.T) {
	ctrl := &channel.CtrlCnl{CtrlCnlNum: 1, FormulaUsed: true, Formula: `"AB"`}
	c, err := Compile(nil, []*channel.CtrlCnl{ctrl}, nil)
	require.NoError(t, err)

	data, err := c.CalcCtrlBinary(1, newFakeSnapshot())
	require.NoError(t, err)
	require.Equal(t, []byte("AB"), data)
}
