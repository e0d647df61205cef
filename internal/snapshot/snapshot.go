// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapshot holds the in-memory snapshot (Srez) and snapshot-table
// types shared by the codec (internal/snapcodec), the cache
// (internal/snapcache) and the evaluator (internal/evaluator).
package snapshot

import (
	"hash/crc32"
	"sort"

	"github.com/rtscada/scada-server/internal/channel"
)

// Descriptor is the sorted channel-number list a snapshot is taken over,
// plus a checksum so readers can tell when consecutive snapshots in an
// archive file share it unchanged.
type Descriptor struct {
	CnlNums []channel.CnlNum
	CRC     uint32
}

// NewDescriptor builds a Descriptor from an already-sorted channel list,
// computing its CRC.
func NewDescriptor(cnlNums []channel.CnlNum) Descriptor {
	d := Descriptor{CnlNums: append([]channel.CnlNum(nil), cnlNums...)}
	d.CRC = d.computeCRC()
	return d
}

func (d Descriptor) computeCRC() uint32 {
	buf := make([]byte, len(d.CnlNums)*2)
	for i, n := range d.CnlNums {
		buf[i*2] = byte(n)
		buf[i*2+1] = byte(n >> 8)
	}
	return crc32.ChecksumIEEE(buf)
}

// Equal reports whether two descriptors describe the same channel set
// (verified via CRC, the same way the codec verifies it on read).
func (d Descriptor) Equal(o Descriptor) bool {
	return d.CRC == o.CRC && len(d.CnlNums) == len(o.CnlNums)
}

// Srez is a single timestamped snapshot: a timestamp plus two parallel
// arrays of channel numbers and channel data. cnl_nums is kept sorted
// ascending; see Sort/Validate.
type Srez struct {
	Timestamp float64 // spreadsheet-style serial date, see snapcodec
	Desc      Descriptor
	CnlData   []channel.Data
}

// NewSrez builds a Srez from an unsorted set of (cnlNum, data) pairs,
// sorting by channel number ascending as the invariant in spec §8.1
// requires.
func NewSrez(ts float64, values map[channel.CnlNum]channel.Data) *Srez {
	nums := make([]channel.CnlNum, 0, len(values))
	for n := range values {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	data := make([]channel.Data, len(nums))
	for i, n := range nums {
		data[i] = values[n]
	}

	return &Srez{
		Timestamp: ts,
		Desc:      NewDescriptor(nums),
		CnlData:   data,
	}
}

// Valid checks the invariant from spec §8.1: cnl_nums strictly ascending
// and len(cnl_nums) == len(cnl_data).
func (s *Srez) Valid() bool {
	if len(s.Desc.CnlNums) != len(s.CnlData) {
		return false
	}
	for i := 1; i < len(s.Desc.CnlNums); i++ {
		if s.Desc.CnlNums[i] <= s.Desc.CnlNums[i-1] {
			return false
		}
	}
	return true
}

// IndexOf returns the position of cnlNum within the snapshot's descriptor,
// or -1 if the channel isn't present. Descriptors are sorted, so this is a
// binary search.
func (s *Srez) IndexOf(cnlNum channel.CnlNum) int {
	nums := s.Desc.CnlNums
	i := sort.Search(len(nums), func(i int) bool { return nums[i] >= cnlNum })
	if i < len(nums) && nums[i] == cnlNum {
		return i
	}
	return -1
}

// Get returns the channel's data and whether it was present in the
// snapshot.
func (s *Srez) Get(cnlNum channel.CnlNum) (channel.Data, bool) {
	i := s.IndexOf(cnlNum)
	if i < 0 {
		return channel.Data{}, false
	}
	return s.CnlData[i], true
}

// Clone returns a deep copy, used whenever a reader needs a consistent
// snapshot without holding the owner's lock across I/O (spec §5).
func (s *Srez) Clone() *Srez {
	c := &Srez{
		Timestamp: s.Timestamp,
		Desc: Descriptor{
			CnlNums: append([]channel.CnlNum(nil), s.Desc.CnlNums...),
			CRC:     s.Desc.CRC,
		},
		CnlData: append([]channel.Data(nil), s.CnlData...),
	}
	return c
}

// Table is an ordered collection of snapshots for one day, keyed by
// timestamp. The invariant (spec §8.2) is strictly ascending timestamps.
type Table struct {
	Rows []*Srez
}

// Insert places s into the table preserving ascending-timestamp order. If
// a row already exists at exactly s.Timestamp, it is replaced in place
// (used by process_archive's "locate or allocate" semantics).
func (t *Table) Insert(s *Srez) {
	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].Timestamp >= s.Timestamp })
	if i < len(t.Rows) && t.Rows[i].Timestamp == s.Timestamp {
		t.Rows[i] = s
		return
	}
	t.Rows = append(t.Rows, nil)
	copy(t.Rows[i+1:], t.Rows[i:])
	t.Rows[i] = s
}

// Find returns the row at exactly ts, or nil.
func (t *Table) Find(ts float64) *Srez {
	i := sort.Search(len(t.Rows), func(i int) bool { return t.Rows[i].Timestamp >= ts })
	if i < len(t.Rows) && t.Rows[i].Timestamp == ts {
		return t.Rows[i]
	}
	return nil
}

// Clone returns a deep copy of the table, used by the scheduler to detach
// a consistent copy before writing it to disk without holding the cache
// entry's lock across I/O.
func (t *Table) Clone() *Table {
	rows := make([]*Srez, len(t.Rows))
	for i, r := range t.Rows {
		rows[i] = r.Clone()
	}
	return &Table{Rows: rows}
}

// Valid checks the per-table invariant: strictly ascending timestamps,
// and that every row itself is valid.
func (t *Table) Valid() bool {
	for i, r := range t.Rows {
		if !r.Valid() {
			return false
		}
		if i > 0 && r.Timestamp <= t.Rows[i-1].Timestamp {
			return false
		}
	}
	return true
}
