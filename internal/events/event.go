// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events implements the event generator/writer (spec §4.5,
// component E): deriving events from (old, new) channel-data transitions
// and appending them to the daily event file.
package events

import "github.com/rtscada/scada-server/internal/channel"

// DescrMaxLen and DataMaxLen bound the two free-form fields of an Event
// so every record in the event file has the same fixed size, which is
// what lets check_event seek straight to the n-th record (spec §4.1).
const (
	DescrMaxLen = 64
	DataMaxLen  = 128
)

// Event is the record described in spec §3.
type Event struct {
	Timestamp float64
	ObjNum    uint32
	KPNum     uint16
	ParamID   uint16
	CnlNum    channel.CnlNum
	OldVal    float64
	OldStat   channel.Stat
	NewVal    float64
	NewStat   channel.Stat
	Checked   bool
	UserID    uint32
	Descr     string
	Data      []byte
}

// Source identifies the channel attributes an event carries through,
// independent of the formula/limit logic that produced old/new.
type Source struct {
	ObjNum     uint32
	KPNum      uint16
	ParamID    uint16
	CnlNum     channel.CnlNum
	EvEnabled  bool
	EvOnChange bool
	EvOnUndef  bool
}

// Derive implements the event trigger table from spec §4.5: given a
// channel's event flags and an (old, new) data transition, it reports
// whether an event fires and, if so, the event to append. No I/O: the
// caller (internal/evaluator) decides when and where to persist it.
func Derive(src Source, ts float64, old, new channel.Data) (*Event, bool) {
	if !src.EvEnabled {
		return nil, false
	}

	bothDefined := old.Stat > channel.StatUndefined && new.Stat > channel.StatUndefined
	dataChanged := src.EvOnChange && bothDefined && (old.Val != new.Val || old.Stat != new.Stat)
	enterUndef := src.EvOnUndef && old.Stat > channel.StatUndefined && new.Stat == channel.StatUndefined
	exitUndef := src.EvOnUndef && old.Stat == channel.StatUndefined && new.Stat > channel.StatUndefined
	normalization := new.Stat == channel.StatNormal && old.Stat != channel.StatNormal && old.Stat != channel.StatUndefined
	excursion := isExcursionStat(new.Stat) && old.Stat != new.Stat

	var reportedStat channel.Stat
	switch {
	case excursion:
		reportedStat = new.Stat
	case normalization:
		reportedStat = new.Stat
	case enterUndef:
		reportedStat = new.Stat
	case exitUndef:
		reportedStat = new.Stat
	case dataChanged:
		// Pure defined->defined transitions report as "changed" rather
		// than echoing the (unchanged-category) status (spec §4.5).
		reportedStat = channel.StatChanged
	default:
		return nil, false
	}

	return &Event{
		Timestamp: ts,
		ObjNum:    src.ObjNum,
		KPNum:     src.KPNum,
		ParamID:   src.ParamID,
		CnlNum:    src.CnlNum,
		OldVal:    old.Val,
		OldStat:   old.Stat,
		NewVal:    new.Val,
		NewStat:   reportedStat,
	}, true
}

func isExcursionStat(s channel.Stat) bool {
	switch s {
	case channel.StatLowCrash, channel.StatLow, channel.StatHigh, channel.StatHighCrash:
		return true
	default:
		return false
	}
}
