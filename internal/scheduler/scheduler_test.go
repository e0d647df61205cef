// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/evaluator"
	"github.com/rtscada/scada-server/internal/eventwriter"
	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/snapcodec"
)

func TestNextInstantFloorsThenAdds(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 4, 17, 0, time.UTC)
	want := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC)
	require.True(t, NextInstant(now, time.Minute).Equal(want))
}

func TestNextInstantZeroPeriodIsNoop(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 4, 17, 0, time.UTC)
	require.True(t, NextInstant(now, 0).Equal(now))
}

func TestNearestAlignedTiesTowardEarlier(t *testing.T) {
	period := time.Minute
	floor := time.Date(2026, 7, 31, 10, 4, 0, 0, time.UTC)
	mid := floor.Add(30 * time.Second)
	require.True(t, NearestAligned(mid, period).Equal(floor), "exact midpoint should tie toward the earlier instant")

	justPast := floor.Add(31 * time.Second)
	ceil := floor.Add(period)
	require.True(t, NearestAligned(justPast, period).Equal(ceil))
}

func TestParseRetentionDay(t *testing.T) {
	day, ok := parseRetentionDay("m260731.dat", "m")
	require.True(t, ok)
	require.True(t, day.Equal(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)))

	_, ok = parseRetentionDay("h260731.dat", "m")
	require.False(t, ok, "wrong prefix must be rejected")

	_, ok = parseRetentionDay("mbadday.dat", "m")
	require.False(t, ok, "unparseable day must be rejected")
}

func TestSweepRetentionRemovesOnlyFilesOlderThanCutoff(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)

	keep := filepath.Join(dir, "m260730.dat") // 1 day old, retention 2
	old := filepath.Join(dir, "m260725.dat")   // 6 days old
	other := filepath.Join(dir, "notes.txt")

	for _, p := range []string{keep, old, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	sweepRetention(dir, "m", 2, now, nil)

	_, err := os.Stat(keep)
	require.NoError(t, err, "file inside the retention window must survive")

	_, err = os.Stat(old)
	require.True(t, os.IsNotExist(err), "file past the retention window must be removed")

	_, err = os.Stat(other)
	require.NoError(t, err, "file outside the naming convention must be left alone")
}

func TestSweepRetentionMissingDirIsNoop(t *testing.T) {
	sweepRetention(filepath.Join(t.TempDir(), "does-not-exist"), "m", 1, time.Now(), nil)
}

// newTestEvaluator builds a minimal evaluator with no configured channels,
// wired to real current.State/current.Buckets/eventwriter.Writer instances
// so flushPeriodTable exercises the real locking path end to end.
func newTestEvaluator(t *testing.T) (*evaluator.Evaluator, *current.State) {
	t.Helper()
	calcr, err := calc.Compile(nil, nil, nil)
	require.NoError(t, err)
	cur := current.New()
	buckets := current.NewBuckets()
	writer := &eventwriter.Writer{PrimaryDir: t.TempDir()}
	return evaluator.New(nil, nil, calcr, cur, buckets, writer), cur
}

func TestFlushPeriodTableWritesRowAndDrainsBuckets(t *testing.T) {
	eval, cur := newTestEvaluator(t)

	now := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)
	cur.Lock()
	cur.WriteLocked(1, channel.Data{Val: 5, Stat: channel.StatDefined}, now)
	cur.SetTimestamp(snapcodec.EncodeTimestamp(now))
	cur.Unlock()

	cur.Lock()
	eval.Buckets.AddLocked(1, 10)
	eval.Buckets.AddLocked(1, 20)
	cur.Unlock()

	cache := snapcache.New(snapcache.Minute, t.TempDir(), "")

	s := &Scheduler{cfg: Config{WriteMinPeriod: time.Minute}, eval: eval, cur: cur}
	require.NoError(t, s.flushPeriodTable(now, cache, time.Minute, eval.Buckets.FlushMinute))

	entry := cache.GetOrLoad(now)
	require.NoError(t, entry.Fill())
	require.Len(t, entry.Table.Rows, 1)

	d, ok := entry.Table.Rows[0].Get(1)
	require.True(t, ok)
	require.Equal(t, 15.0, d.Val, "averaged value should be the mean of 10 and 20")

	// The bucket must have been drained by the flush.
	drained := eval.Buckets.FlushMinute()
	require.Empty(t, drained)
}

func TestHeartbeatZeroBeforeFirstTick(t *testing.T) {
	eval, cur := newTestEvaluator(t)
	s := New(Config{}, eval, cur, nil, nil)
	require.Equal(t, time.Duration(0), s.Heartbeat())
}

func TestTickAdvancesHeartbeatAndLastTick(t *testing.T) {
	eval, cur := newTestEvaluator(t)
	s := New(Config{WriteCurPeriod: time.Minute}, eval, cur, nil, nil)

	start := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	s.currentDay = snapcodec.DayString(start)
	s.nextCurWrite = NextInstant(start, s.cfg.WriteCurPeriod)

	later := start.Add(150 * time.Millisecond)
	s.tick(later)

	require.True(t, s.lastTick.Equal(later))
	require.GreaterOrEqual(t, s.Heartbeat(), time.Duration(0))
}

func TestTickDetectsClockRegression(t *testing.T) {
	eval, cur := newTestEvaluator(t)
	s := New(Config{WriteMinPeriod: time.Minute}, eval, cur, nil, nil)

	t1 := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC)
	s.lastTick = t1
	s.nextMinWrite = t1.Add(time.Minute)

	regressed := t1.Add(-30 * time.Second)
	s.tick(regressed)

	require.True(t, s.nextMinWrite.Equal(NextInstant(regressed, time.Minute)))
}
