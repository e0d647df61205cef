// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapcache

import (
	"testing"
	"time"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/snapcodec"
	"github.com/rtscada/scada-server/internal/snapshot"
	"github.com/stretchr/testify/require"
)

func TestFillIsIdempotentWithoutMtimeChange(t *testing.T) {
	dir := t.TempDir()
	c := New(Minute, dir, "")
	date := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e := c.GetOrLoad(date)
	require.NoError(t, e.Fill()) // file doesn't exist yet -> empty table

	table := &snapshot.Table{}
	table.Insert(snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{1: {Val: 1, Stat: channel.StatDefined}}))
	require.NoError(t, snapcodec.SaveTable(e.Path, table))

	require.NoError(t, e.Fill())
	require.Len(t, e.Table.Rows, 1)

	// No mtime change: a second Fill is a no-op (reuses cached table).
	cached := e.Table
	require.NoError(t, e.Fill())
	require.Same(t, cached, e.Table)
}

func TestSweepNeverEvictsToday(t *testing.T) {
	dir := t.TempDir()
	c := New(Hour, dir, "")
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	c.today = func() time.Time { return now }

	today := c.GetOrLoad(now)
	today.lastAccess = now.Add(-1 * time.Hour) // stale by access time, but it's "today"

	c.Sweep(now)

	_, ok := c.backing.Get(dateKey(now))
	require.True(t, ok)
}

func TestSweepDropsStaleEntries(t *testing.T) {
	dir := t.TempDir()
	c := New(Hour, dir, "")
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	c.today = func() time.Time { return now }

	old := now.AddDate(0, 0, -2)
	e := c.GetOrLoad(old)
	e.lastAccess = now.Add(-11 * time.Minute)

	c.Sweep(now)

	_, ok := c.backing.Get(dateKey(old))
	require.False(t, ok)
}

func TestSweepEnforcesCapacityExceptToday(t *testing.T) {
	dir := t.TempDir()
	c := New(Minute, dir, "") // capacity 5
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	c.today = func() time.Time { return now }

	c.GetOrLoad(now) // today, always kept
	for i := 1; i <= 6; i++ {
		e := c.GetOrLoad(now.AddDate(0, 0, -i))
		e.lastAccess = now.Add(-time.Duration(i) * time.Minute) // still within storage period
	}

	c.Sweep(now)

	require.LessOrEqual(t, c.backing.Len(), minuteCapacity)
	_, ok := c.backing.Get(dateKey(now))
	require.True(t, ok, "today must never be evicted")
}
