// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package current

import "github.com/rtscada/scada-server/internal/channel"

// bucket accumulates (sum, cnt) for one channel between flushes (spec
// §3 "Averaging bucket").
type bucket struct {
	sum float64
	cnt uint32
}

// Buckets holds the minute and hour averaging accumulators. A channel
// only ever occupies a slot once it has received at least one averaged
// reading.
type Buckets struct {
	minute map[channel.CnlNum]*bucket
	hour   map[channel.CnlNum]*bucket
}

func NewBuckets() *Buckets {
	return &Buckets{
		minute: map[channel.CnlNum]*bucket{},
		hour:   map[channel.CnlNum]*bucket{},
	}
}

// AddLocked accumulates val into both the minute and hour buckets for
// cnl. Called from inside process_current while the current-snapshot
// lock is held (spec §4.4 step 2d).
func (b *Buckets) AddLocked(cnl channel.CnlNum, val float64) {
	addTo(b.minute, cnl, val)
	addTo(b.hour, cnl, val)
}

func addTo(m map[channel.CnlNum]*bucket, cnl channel.CnlNum, val float64) {
	bk, ok := m[cnl]
	if !ok {
		bk = &bucket{}
		m[cnl] = bk
	}
	bk.sum += val
	bk.cnt++
}

// FlushMinute materializes and zeros every minute bucket, returning the
// averaged (value, defined) data per channel for the scheduler's minute
// snapshot write (spec §4.6 step 6).
func (b *Buckets) FlushMinute() map[channel.CnlNum]channel.Data {
	return flush(b.minute)
}

// FlushHour does the same for the hour cadence.
func (b *Buckets) FlushHour() map[channel.CnlNum]channel.Data {
	return flush(b.hour)
}

func flush(m map[channel.CnlNum]*bucket) map[channel.CnlNum]channel.Data {
	out := make(map[channel.CnlNum]channel.Data, len(m))
	for cnl, bk := range m {
		if bk.cnt > 0 {
			out[cnl] = channel.Data{Val: bk.sum / float64(bk.cnt), Stat: channel.StatDefined}
		}
		delete(m, cnl)
	}
	return out
}
