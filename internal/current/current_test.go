// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package current

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadBack(t *testing.T) {
	s := New()
	s.Lock()
	s.WriteLocked(100, channel.Data{Val: 42, Stat: channel.StatDefined}, time.Now())
	s.Unlock()

	require.Equal(t, channel.Data{Val: 42, Stat: channel.StatDefined}, s.Get(100))
	require.True(t, s.Dirty())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New()
	s.Lock()
	s.SetTimestamp(100)
	s.WriteLocked(1, channel.Data{Val: 1, Stat: channel.StatDefined}, time.Now())
	s.WriteLocked(2, channel.Data{Val: 2, Stat: channel.StatNormal}, time.Now())
	path := filepath.Join(t.TempDir(), "cur.dat")
	require.NoError(t, s.Save(path))
	s.Unlock()
	require.False(t, s.Dirty())

	s2 := New()
	require.NoError(t, s2.Load(path))
	require.Equal(t, channel.Data{Val: 1, Stat: channel.StatDefined}, s2.Get(1))
	require.Equal(t, channel.Data{Val: 2, Stat: channel.StatNormal}, s2.Get(2))
}

func TestSnapshotAccessorSideEffects(t *testing.T) {
	s := New()
	s.Lock()
	defer s.Unlock()

	s.SetData(5, 7, float64(channel.StatDefined))
	require.Equal(t, 7.0, s.GetVal(5))
	require.Equal(t, float64(channel.StatDefined), s.GetStat(5))

	s.SetVal(5, 9)
	require.Equal(t, 9.0, s.GetVal(5))
}

func TestBucketsAccumulateAndFlush(t *testing.T) {
	b := NewBuckets()
	b.AddLocked(1, 10)
	b.AddLocked(1, 20)
	b.AddLocked(2, 5)

	m := b.FlushMinute()
	require.Equal(t, 15.0, m[1].Val)
	require.Equal(t, 5.0, m[2].Val)
	require.Equal(t, channel.StatDefined, m[1].Stat)

	// Flushing zeros the bucket.
	m2 := b.FlushMinute()
	require.Empty(t, m2)

	h := b.FlushHour()
	require.Equal(t, 15.0, h[1].Val)
}
