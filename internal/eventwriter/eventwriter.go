// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package eventwriter persists generated events to the daily event file,
// in one or both of the primary and copy directories (spec §4.5/§4.6).
// It sits above internal/events (the pure trigger logic) and
// internal/snapcodec (the on-disk record format) so neither of those
// packages needs to know about dual-destination writes.
package eventwriter

import (
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/snapcodec"
)

// Writer appends events to today's event file under primaryDir and,
// if copyDir is non-empty, also under copyDir. A failure on one
// destination is logged but never prevents the write to the other
// (spec §4.5: "both failures log but do not stop the server").
type Writer struct {
	PrimaryDir string
	CopyDir    string
}

// Append writes ev to the event file for day (format "060102") under
// both configured destinations, returning an error only if every
// destination failed.
func (w *Writer) Append(day string, ev *events.Event) error {
	name := "e" + day + ".dat"

	primaryErr := snapcodec.AppendEvent(filepath.Join(w.PrimaryDir, name), ev)
	if primaryErr != nil {
		cclog.Errorf("[EVENTWRITER]> append to primary event file failed: %s", primaryErr)
	}

	var copyErr error
	if w.CopyDir != "" {
		copyErr = snapcodec.AppendEvent(filepath.Join(w.CopyDir, name), ev)
		if copyErr != nil {
			cclog.Errorf("[EVENTWRITER]> append to copy event file failed: %s", copyErr)
		}
	}

	if primaryErr != nil && (w.CopyDir == "" || copyErr != nil) {
		return primaryErr
	}
	return nil
}

// CheckEvent flips the checked flag for ev_num in both destinations,
// under the same best-effort semantics as Append.
func (w *Writer) CheckEvent(day string, evNum int, userID uint32) error {
	name := "e" + day + ".dat"

	primaryErr := snapcodec.CheckEvent(filepath.Join(w.PrimaryDir, name), evNum, userID)
	if primaryErr != nil {
		cclog.Errorf("[EVENTWRITER]> check-event on primary event file failed: %s", primaryErr)
	}

	var copyErr error
	if w.CopyDir != "" {
		copyErr = snapcodec.CheckEvent(filepath.Join(w.CopyDir, name), evNum, userID)
		if copyErr != nil {
			cclog.Errorf("[EVENTWRITER]> check-event on copy event file failed: %s", copyErr)
		}
	}

	if primaryErr != nil && (w.CopyDir == "" || copyErr != nil) {
		return primaryErr
	}
	return nil
}
