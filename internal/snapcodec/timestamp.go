// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapcodec implements the binary file formats from spec §4.1:
// the current snapshot file, the per-day minute/hour archival snapshot
// files, and the per-day event file. All multi-byte integers are
// little-endian; floats are IEEE-754, matching spec §9's binary-format
// notes and the column-oriented little-endian layout
// pkg/metricstore/binaryCheckpoint.go uses for its own checkpoint files.
package snapcodec

import (
	"fmt"
	"math"
	"time"
)

// serialEpoch is the classic spreadsheet "day zero" (two days before
// 1900-01-01, reproducing the traditional off-by-one so round-tripping a
// value written by this codec stays stable); see spec §4.1.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// minSerial and maxSerial bound the legal range: 1899-12-31 .. 9999-12-31.
const (
	minSerial = 1.0
	maxSerial = 2958465.0
)

// EncodeTimestamp converts a wall-clock time to the f64 serial-date
// encoding used by every file this package writes.
func EncodeTimestamp(t time.Time) float64 {
	d := t.UTC().Sub(serialEpoch)
	return float64(d) / float64(24*time.Hour)
}

// DecodeTimestamp converts a serial-date float back to a time.Time,
// rejecting NaN, Inf and out-of-range values per spec §4.1.
func DecodeTimestamp(serial float64) (time.Time, error) {
	if math.IsNaN(serial) || math.IsInf(serial, 0) {
		return time.Time{}, fmt.Errorf("snapcodec: timestamp is NaN/Inf")
	}
	if serial < minSerial || serial > maxSerial {
		return time.Time{}, fmt.Errorf("snapcodec: timestamp %v out of range [%v, %v]", serial, minSerial, maxSerial)
	}
	d := time.Duration(serial * float64(24*time.Hour))
	return serialEpoch.Add(d), nil
}

// DayString renders the yymmdd suffix used in archive/event file names
// (m<yy><mm><dd>.dat, h<yy><mm><dd>.dat, e<yy><mm><dd>.dat).
func DayString(t time.Time) string {
	return t.Format("060102")
}
