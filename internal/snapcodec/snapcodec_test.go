// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapcodec

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/snapshot"
	"github.com/stretchr/testify/require"
)

func TestCurrentSnapshotRoundTrip(t *testing.T) {
	s := snapshot.NewSrez(42.5, map[channel.CnlNum]channel.Data{
		100: {Val: 1.5, Stat: channel.StatDefined},
		50:  {Val: -2, Stat: channel.StatNormal},
	})
	require.True(t, s.Valid())

	path := filepath.Join(t.TempDir(), "cur.dat")
	require.NoError(t, SaveCurrent(path, s))

	got, err := LoadCurrent(path)
	require.NoError(t, err)
	require.Equal(t, s.Timestamp, got.Timestamp)
	require.Equal(t, s.Desc.CnlNums, got.Desc.CnlNums)
	require.Equal(t, s.CnlData, got.CnlData)
}

func TestLoadCurrentMissingFileIsEmpty(t *testing.T) {
	got, err := LoadCurrent(filepath.Join(t.TempDir(), "nope.dat"))
	require.NoError(t, err)
	require.Empty(t, got.Desc.CnlNums)
}

func TestArchiveTableRoundTripSharedDescriptor(t *testing.T) {
	table := &snapshot.Table{}
	table.Insert(snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{1: {Val: 1, Stat: channel.StatDefined}}))
	table.Insert(snapshot.NewSrez(2, map[channel.CnlNum]channel.Data{1: {Val: 2, Stat: channel.StatDefined}}))
	// Third row changes the channel set, forcing a new full record.
	table.Insert(snapshot.NewSrez(3, map[channel.CnlNum]channel.Data{1: {Val: 3, Stat: channel.StatDefined}, 2: {Val: 9, Stat: channel.StatDefined}}))

	path := filepath.Join(t.TempDir(), "m250101.dat")
	require.NoError(t, SaveTable(path, table))

	got, err := LoadTable(path)
	require.NoError(t, err)
	require.True(t, got.Valid())
	require.Len(t, got.Rows, 3)
	require.Equal(t, table.Rows[0].CnlData, got.Rows[0].CnlData)
	require.Equal(t, table.Rows[2].Desc.CnlNums, got.Rows[2].Desc.CnlNums)
}

func TestLoadTableStopsAtCorruptRecord(t *testing.T) {
	table := &snapshot.Table{}
	table.Insert(snapshot.NewSrez(1, map[channel.CnlNum]channel.Data{1: {Val: 1, Stat: channel.StatDefined}}))
	table.Insert(snapshot.NewSrez(2, map[channel.CnlNum]channel.Data{1: {Val: 2, Stat: channel.StatDefined}}))

	path := filepath.Join(t.TempDir(), "m250102.dat")
	require.NoError(t, SaveTable(path, table))

	// Truncate mid-way through the second record to simulate a crash.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	got, err := LoadTable(path)
	require.NoError(t, err)
	require.Len(t, got.Rows, 1)
}

func TestEventAppendAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "e250101.dat")
	ev1 := &events.Event{Timestamp: 1, CnlNum: 10, NewStat: channel.StatHigh, Descr: "over limit"}
	ev2 := &events.Event{Timestamp: 2, CnlNum: 20, NewStat: channel.StatNormal}

	require.NoError(t, AppendEvent(path, ev1))
	require.NoError(t, AppendEvent(path, ev2))

	got, err := LoadEvents(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.False(t, got[0].Checked)
	require.Equal(t, "over limit", got[0].Descr)

	require.NoError(t, CheckEvent(path, 0, 7))

	got, err = LoadEvents(path)
	require.NoError(t, err)
	require.True(t, got[0].Checked)
	require.EqualValues(t, 7, got[0].UserID)
	require.False(t, got[1].Checked)
}

func TestTimestampRejectsInvalid(t *testing.T) {
	_, err := DecodeTimestamp(math.NaN())
	require.Error(t, err)
	_, err = DecodeTimestamp(0)
	require.Error(t, err)
	_, err = DecodeTimestamp(3000000)
	require.Error(t, err)
}
