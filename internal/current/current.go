// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package current implements the authoritative in-memory "now" vector
// for every active input channel (spec §4, component F). The scheduler
// exclusively owns mutation; readers obtain consistent copies under the
// state's lock without holding it across I/O (spec §3 "Ownership").
package current

import (
	"sync"
	"time"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/snapcodec"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// State is the current-snapshot lock named throughout spec §5's ordering
// rule `current_snapshot -> calculator -> cache_entry -> event_file ->
// clients`.
type State struct {
	mu sync.Mutex

	timestamp  float64
	data       map[channel.CnlNum]channel.Data
	lastActive map[channel.CnlNum]time.Time
	dirty      bool
}

func New() *State {
	return &State{
		data:       map[channel.CnlNum]channel.Data{},
		lastActive: map[channel.CnlNum]time.Time{},
	}
}

// Lock/Unlock expose the current-snapshot lock so callers (the evaluator)
// can hold it across the multi-step process_current/process_archive
// sequence, per spec §4.4 step 1.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// Load recovers state from the on-disk current-snapshot file at startup.
// Must be called before the scheduler starts; not safe for concurrent
// use with Lock-protected mutation.
func (s *State) Load(path string) error {
	srez, err := snapcodec.LoadCurrent(path)
	if err != nil {
		return err
	}
	s.timestamp = srez.Timestamp
	for i, n := range srez.Desc.CnlNums {
		s.data[n] = srez.CnlData[i]
		s.lastActive[n] = time.Now()
	}
	return nil
}

// Save persists the current snapshot and clears the dirty flag. Callers
// must hold the lock for the duration (the scheduler's flush step does).
func (s *State) Save(path string) error {
	srez := s.snapshotLocked()
	if err := snapcodec.SaveCurrent(path, srez); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Dirty reports whether the state has unsaved mutations.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Get returns the channel's data under the lock (read-only callers that
// don't need a full snapshot copy, e.g. a single-channel TCP read).
func (s *State) Get(cnl channel.CnlNum) channel.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[cnl]
}

// Snapshot returns a consistent, independent copy of the whole current
// state. The caller may release the lock immediately afterward and work
// on the copy without blocking writers (spec §3: "no reader holds a lock
// across I/O").
func (s *State) Snapshot() *snapshot.Srez {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() *snapshot.Srez {
	return snapshot.NewSrez(s.timestamp, s.data)
}

// SnapshotLocked is Snapshot's non-locking twin, for callers that already
// hold the lock across a multi-step sequence (e.g. process_current,
// whose final hook calls need a consistent copy without recursively
// locking the same mutex).
func (s *State) SnapshotLocked() *snapshot.Srez {
	return s.snapshotLocked()
}

// SetTimestamp updates the snapshot timestamp. Caller holds the lock.
func (s *State) SetTimestamp(ts float64) {
	s.timestamp = ts
	s.dirty = true
}

// --- Mutators used by the evaluator while holding the lock ---

// WriteLocked stores d for cnl and stamps its last-active time. It does
// not itself take the lock: call sites already hold it across the whole
// process_current step (spec §4.4).
func (s *State) WriteLocked(cnl channel.CnlNum, d channel.Data, now time.Time) {
	s.data[cnl] = d
	s.lastActive[cnl] = now
	s.dirty = true
}

// LastActiveLocked returns the last write time recorded for cnl, or the
// zero time if it was never written.
func (s *State) LastActiveLocked(cnl channel.CnlNum) time.Time {
	return s.lastActive[cnl]
}

// GetLocked reads cnl's data without acquiring the lock.
func (s *State) GetLocked(cnl channel.CnlNum) channel.Data {
	return s.data[cnl]
}

// AllLocked returns every currently known channel number, for sweeps
// that must walk the whole state (inactivity sweep, derived passes).
func (s *State) AllLocked() []channel.CnlNum {
	out := make([]channel.CnlNum, 0, len(s.data))
	for n := range s.data {
		out = append(out, n)
	}
	return out
}

// --- calc.SnapshotAccessor, so formulas can read/write the in-progress
// current state through Val(n)/Stat(n)/SetVal/SetStat/SetData. Callers
// must already hold the lock (calc.Calc is invoked from inside it).

func (s *State) GetVal(n channel.CnlNum) float64  { return s.data[n].Val }
func (s *State) GetStat(n channel.CnlNum) float64 { return float64(s.data[n].Stat) }

func (s *State) SetVal(n channel.CnlNum, v float64) {
	d := s.data[n]
	d.Val = v
	s.data[n] = d
	s.dirty = true
}

func (s *State) SetStat(n channel.CnlNum, st float64) {
	d := s.data[n]
	d.Stat = channel.Stat(uint16(st))
	s.data[n] = d
	s.dirty = true
}

func (s *State) SetData(n channel.CnlNum, v, st float64) {
	s.data[n] = channel.Data{Val: v, Stat: channel.Stat(uint16(st))}
	s.dirty = true
}
