// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package evaluator

import (
	"testing"
	"time"

	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/eventwriter"
	"github.com/rtscada/scada-server/internal/snapshot"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T, cnls []*channel.InCnl) *Evaluator {
	c, err := calc.Compile(cnls, nil, nil)
	require.NoError(t, err)
	cur := current.New()
	buckets := current.NewBuckets()
	writer := &eventwriter.Writer{PrimaryDir: t.TempDir()}
	e := New(cnls, nil, c, cur, buckets, writer)
	e.Now = func() time.Time { return time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestProcessCurrentThresholdExcursion(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 100, Type: channel.CnlTypeTS, LimHigh: 50, LimLow: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN, EvEnabled: true, EvOnChange: true}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{100: {Val: 10, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{Val: 10, Stat: channel.StatNormal}, e.Cur.Get(100))

	received = snapshot.NewSrez(2, map[channel.CnlNum]channel.Data{100: {Val: 60, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{Val: 60, Stat: channel.StatHigh}, e.Cur.Get(100))
}

func TestProcessCurrentLimitBoundaryStaysNormal(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 101, Type: channel.CnlTypeTS, LimLow: 10, LimHigh: 50, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{101: {Val: 10, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{Val: 10, Stat: channel.StatNormal}, e.Cur.Get(101))

	received = snapshot.NewSrez(2, map[channel.CnlNum]channel.Data{101: {Val: 50, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{Val: 50, Stat: channel.StatNormal}, e.Cur.Get(101))
}

func TestProcessCurrentSwitchCounter(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 200, Type: channel.CnlTypeSwitchCounter, LimLow: channel.NaN, LimHigh: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	e.Cur.Lock()
	e.Cur.WriteLocked(200, channel.Data{Val: 4, Stat: channel.StatDefined}, e.Now())
	e.Cur.Unlock()

	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{200: {Val: -1, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	// old=4 (even), received <= 0 -> increments.
	require.Equal(t, 5.0, e.Cur.Get(200).Val)
}

func TestProcessCurrentUnconfiguredChannelSkipped(t *testing.T) {
	e := newTestEvaluator(t, nil)
	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{999: {Val: 1, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{}, e.Cur.Get(999))
}

func TestInactivitySweepMarksUnreliable(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 400, Type: channel.CnlTypeTS, LimLow: channel.NaN, LimHigh: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	start := e.Now()
	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{400: {Val: 5, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))

	e.Now = func() time.Time { return start.Add(70 * time.Second) }
	e.InactivitySweep(1) // 1 minute threshold

	require.Equal(t, channel.StatUnreliable, e.Cur.Get(400).Stat)
	require.Equal(t, 5.0, e.Cur.Get(400).Val)
}

func TestDerivedChannelReceivedVerbatim(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 500, Type: channel.CnlTypeDerivedTS}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{500: {Val: 1, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))
	require.Equal(t, channel.Data{Val: 1, Stat: channel.StatDefined}, e.Cur.Get(500))
}

func TestDerivedPassRecomputesFromOtherChannels(t *testing.T) {
	source := &channel.InCnl{CnlNum: 1, Type: channel.CnlTypeTI, LimLow: channel.NaN, LimHigh: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN}
	derived := &channel.InCnl{CnlNum: 2, Type: channel.CnlTypeDerivedTI, FormulaUsed: true, Formula: "Val(1) * 2"}
	e := newTestEvaluator(t, []*channel.InCnl{source, derived})

	received := snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{1: {Val: 21, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessCurrent(received))

	require.NoError(t, e.DerivedPass(channel.ScopePerCycle))
	require.Equal(t, 42.0, e.Cur.Get(2).Val)
}

func TestProcessArchiveAppliesArchivalOverlay(t *testing.T) {
	cnl := &channel.InCnl{CnlNum: 1, Type: channel.CnlTypeTS, LimLow: channel.NaN, LimHigh: channel.NaN, LimLowCrash: channel.NaN, LimHighCrash: channel.NaN}
	e := newTestEvaluator(t, []*channel.InCnl{cnl})

	table := &snapshot.Table{}
	received := snapshot.NewSrez(100, map[channel.CnlNum]channel.Data{1: {Val: 5, Stat: channel.StatDefined}})
	require.NoError(t, e.ProcessArchive(received, table))

	row := table.Find(100)
	require.NotNil(t, row)
	data, ok := row.Get(1)
	require.True(t, ok)
	require.Equal(t, channel.StatArchival, data.Stat)
	require.Equal(t, 5.0, data.Val)
}
