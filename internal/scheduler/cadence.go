// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import "time"

// NextInstant returns the next scheduled instant for period starting at
// now, per spec §4.6: floor(now/p)*p + p. time.Time.Truncate already
// floors on absolute (timezone-independent) duration boundaries, so this
// is the stdlib equivalent of that floor-division.
func NextInstant(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	return now.Truncate(period).Add(period)
}

// NearestAligned picks the closer of floor(t/p)*p and floor(t/p)*p+p,
// tying toward the earlier, per spec §4.6's "nearest" alignment rule used
// for archive uploads.
func NearestAligned(t time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return t
	}
	floor := t.Truncate(period)
	ceil := floor.Add(period)
	if t.Sub(floor) <= ceil.Sub(t) {
		return floor
	}
	return ceil
}
