// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evaluator implements the channel evaluator (spec §4.4,
// component D): process_current, process_archive, derived_pass and the
// inactivity sweep. It is the glue between the calculator (C), the
// current-snapshot state (F) and the event writer (E).
package evaluator

import (
	"math"
	"sort"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/eventwriter"
	"github.com/rtscada/scada-server/internal/snapcodec"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// Hooks lets a module host (component I) observe evaluator activity
// without the evaluator knowing anything about modules. Every method is
// optional; a nil Hooks is fine.
type Hooks interface {
	OnCurrentDataCalculated(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnCurrentDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnArchiveDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnEventCreating(ev *events.Event)
	OnEventCreated(ev *events.Event)
}

// Evaluator ties the calculator, the current-snapshot state and the
// event writer together into the three entry points spec §4.4 names.
type Evaluator struct {
	inCnls   map[channel.CnlNum]*channel.InCnl
	ctrlCnls map[uint16]*channel.CtrlCnl

	Calc    *calc.Calculator
	Cur     *current.State
	Buckets *current.Buckets
	Writer  *eventwriter.Writer

	Hooks Hooks

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func New(inCnls []*channel.InCnl, ctrlCnls []*channel.CtrlCnl, c *calc.Calculator, cur *current.State, buckets *current.Buckets, writer *eventwriter.Writer) *Evaluator {
	e := &Evaluator{
		inCnls:   make(map[channel.CnlNum]*channel.InCnl, len(inCnls)),
		ctrlCnls: make(map[uint16]*channel.CtrlCnl, len(ctrlCnls)),
		Calc:     c,
		Cur:      cur,
		Buckets:  buckets,
		Writer:   writer,
		Now:      time.Now,
	}
	for _, cnl := range inCnls {
		e.inCnls[cnl.CnlNum] = cnl
	}
	for _, ctrl := range ctrlCnls {
		e.ctrlCnls[ctrl.CtrlCnlNum] = ctrl
	}
	return e
}

func srcFor(cnl *channel.InCnl) events.Source {
	return events.Source{
		ObjNum:     cnl.ObjNum,
		KPNum:      cnl.KPNum,
		ParamID:    cnl.ParamID,
		CnlNum:     cnl.CnlNum,
		EvEnabled:  cnl.EvEnabled,
		EvOnChange: cnl.EvOnChange,
		EvOnUndef:  cnl.EvOnUndef,
	}
}

// clampLimit implements the limit-based status clamping rule from spec
// §4.4.2b: low_crash < low < high < high_crash. Both sides are strict
// (< on the low side, > on the high side): a value exactly on a boundary
// stays normal, per spec §8 property 6 (stat == normal iff
// lim_low <= val <= lim_high). Checking the crash threshold before the
// warning threshold on each side is what gives crash dominance.
func clampLimit(cnl *channel.InCnl, val float64) channel.Stat {
	if !math.IsNaN(cnl.LimLowCrash) && val < cnl.LimLowCrash {
		return channel.StatLowCrash
	}
	if !math.IsNaN(cnl.LimLow) && val < cnl.LimLow {
		return channel.StatLow
	}
	if !math.IsNaN(cnl.LimHighCrash) && val > cnl.LimHighCrash {
		return channel.StatHighCrash
	}
	if !math.IsNaN(cnl.LimHigh) && val > cnl.LimHigh {
		return channel.StatHigh
	}
	return channel.StatNormal
}

// switchCounterNext implements spec §4.4.2c.
func switchCounterNext(oldVal, receivedVal float64) float64 {
	oldInt := math.Floor(oldVal)
	oldEven := math.Mod(math.Abs(oldInt), 2) == 0
	switch {
	case receivedVal <= 0 && oldEven:
		return oldInt + 1
	case receivedVal > 0 && !oldEven:
		return oldInt + 1
	default:
		return oldInt
	}
}

// isAveragable reports whether stat belongs to the set spec §4.4.2d
// allows into the averaging buckets.
func isAveragable(s channel.Stat) bool {
	switch s {
	case channel.StatDefined, channel.StatNormal, channel.StatLow, channel.StatHigh,
		channel.StatLowCrash, channel.StatHighCrash:
		return true
	default:
		return false
	}
}

// ProcessCurrent implements spec §4.4's process_current: applies the
// calculator, limit clamping, switch-counter logic and averaging to
// every TS/TI channel in received, in ascending channel-number order
// (spec §5: "events ... in deterministic order, channel-ascending
// within one request").
func (e *Evaluator) ProcessCurrent(received *snapshot.Srez) error {
	now := e.Now()
	day := snapcodec.DayString(now)

	e.Cur.Lock()
	defer e.Cur.Unlock()

	processed := make([]channel.CnlNum, 0, len(received.Desc.CnlNums))

	for i, cnlNum := range received.Desc.CnlNums {
		cnl := e.inCnls[cnlNum]
		if cnl == nil {
			cclog.Warnf("[EVALUATOR]> received data for unconfigured channel %d", cnlNum)
			continue
		}
		rawNew := received.CnlData[i]
		old := e.Cur.GetLocked(cnlNum)

		if cnl.Type.IsDerived() {
			// Step 3: derived types received directly bypass formula and
			// limit logic entirely; store verbatim.
			e.Cur.WriteLocked(cnlNum, rawNew, now)
			processed = append(processed, cnlNum)
			continue
		}

		var newData channel.Data
		if cnl.FormulaUsed {
			newData = e.Calc.Calc(cnlNum, old, rawNew, e.Cur)
		} else {
			newData = rawNew
		}

		if newData.Stat == channel.StatDefined && cnl.HasLimits() {
			newData.Stat = clampLimit(cnl, newData.Val)
		}

		if cnl.Type == channel.CnlTypeSwitchCounter && newData.Stat > channel.StatUndefined {
			newData.Val = switchCounterNext(old.Val, newData.Val)
		}

		if cnl.Averaging && isAveragable(newData.Stat) {
			e.Buckets.AddLocked(cnlNum, newData.Val)
		}

		e.Cur.WriteLocked(cnlNum, newData, now)
		processed = append(processed, cnlNum)

		if ev, ok := events.Derive(srcFor(cnl), received.Timestamp, old, newData); ok {
			if e.Hooks != nil {
				e.Hooks.OnEventCreating(ev)
			}
			if err := e.Writer.Append(day, ev); err != nil {
				cclog.Errorf("[EVALUATOR]> event append failed for channel %d: %s", cnlNum, err)
			}
			if e.Hooks != nil {
				e.Hooks.OnEventCreated(ev)
			}
		}
	}

	e.Cur.SetTimestamp(received.Timestamp)

	sort.Slice(processed, func(i, j int) bool { return processed[i] < processed[j] })
	if e.Hooks != nil {
		snap := e.Cur.SnapshotLocked()
		e.Hooks.OnCurrentDataCalculated(processed, snap)
		e.Hooks.OnCurrentDataProcessed(processed, snap)
	}
	return nil
}

// rowAccessor adapts a single archival Srez's (mutable) data to
// calc.SnapshotAccessor, so formulas can run against an archival row the
// same way they do against the live current state.
type rowAccessor struct {
	nums map[channel.CnlNum]int
	data []channel.Data
}

func newRowAccessor(srez *snapshot.Srez) *rowAccessor {
	nums := make(map[channel.CnlNum]int, len(srez.Desc.CnlNums))
	for i, n := range srez.Desc.CnlNums {
		nums[n] = i
	}
	return &rowAccessor{nums: nums, data: append([]channel.Data(nil), srez.CnlData...)}
}

func (r *rowAccessor) GetVal(n channel.CnlNum) float64 {
	if i, ok := r.nums[n]; ok {
		return r.data[i].Val
	}
	return 0
}

func (r *rowAccessor) GetStat(n channel.CnlNum) float64 {
	if i, ok := r.nums[n]; ok {
		return float64(r.data[i].Stat)
	}
	return 0
}

func (r *rowAccessor) SetVal(n channel.CnlNum, v float64) {
	if i, ok := r.nums[n]; ok {
		r.data[i].Val = v
	}
}

func (r *rowAccessor) SetStat(n channel.CnlNum, s float64) {
	if i, ok := r.nums[n]; ok {
		r.data[i].Stat = channel.Stat(uint16(s))
	}
}

func (r *rowAccessor) SetData(n channel.CnlNum, v, s float64) {
	if i, ok := r.nums[n]; ok {
		r.data[i] = channel.Data{Val: v, Stat: channel.Stat(uint16(s))}
	}
}

func (r *rowAccessor) get(n channel.CnlNum) (channel.Data, bool) {
	i, ok := r.nums[n]
	if !ok {
		return channel.Data{}, false
	}
	return r.data[i], true
}

func (r *rowAccessor) toMap() map[channel.CnlNum]channel.Data {
	out := make(map[channel.CnlNum]channel.Data, len(r.nums))
	for n, i := range r.nums {
		out[n] = r.data[i]
	}
	return out
}

// ProcessArchive implements spec §4.4's process_archive: apply formulas
// to a historical upload with the archival status overlay (a freshly
// "defined" reading becomes "archival"), recompute derived channels for
// that snapshot, and write the row back into table.
func (e *Evaluator) ProcessArchive(received *snapshot.Srez, table *snapshot.Table) error {
	day := snapcodec.DayString(timeFromSerial(received.Timestamp))

	row := table.Find(received.Timestamp)
	var acc *rowAccessor
	if row != nil {
		acc = newRowAccessor(row)
	} else {
		acc = &rowAccessor{nums: map[channel.CnlNum]int{}}
	}

	for i, cnlNum := range received.Desc.CnlNums {
		cnl := e.inCnls[cnlNum]
		if cnl == nil || cnl.Type.IsDerived() {
			continue
		}
		rawNew := received.CnlData[i]
		old, _ := acc.get(cnlNum)

		var newData channel.Data
		if cnl.FormulaUsed {
			newData = e.Calc.Calc(cnlNum, old, rawNew, acc)
		} else {
			newData = rawNew
		}
		if newData.Stat == channel.StatDefined {
			// Archival overlay: a freshly defined reading is persisted as
			// archival, not defined, per spec §4.4.
			newData.Stat = channel.StatArchival
		}

		if i, ok := acc.nums[cnlNum]; ok {
			acc.data[i] = newData
		} else {
			acc.nums[cnlNum] = len(acc.data)
			acc.data = append(acc.data, newData)
		}
	}

	for _, scope := range []channel.DerivedScope{channel.ScopePerCycle, channel.ScopePerMinute, channel.ScopePerHour} {
		e.derivedPassOverAccessor(scope, acc, received.Timestamp, day)
	}

	newRow := snapshot.NewSrez(received.Timestamp, acc.toMap())
	table.Insert(newRow)

	if e.Hooks != nil {
		e.Hooks.OnArchiveDataProcessed(newRow.Desc.CnlNums, newRow)
	}
	return nil
}

func timeFromSerial(serial float64) time.Time {
	t, err := snapcodec.DecodeTimestamp(serial)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// DerivedPass implements spec §4.4's derived_pass over the live current
// state: recomputes every derived-type channel whose cadence matches
// scope, writes the result back, and emits events as usual.
func (e *Evaluator) DerivedPass(scope channel.DerivedScope) error {
	now := e.Now()
	day := snapcodec.DayString(now)
	ts := snapcodec.EncodeTimestamp(now)

	e.Cur.Lock()
	defer e.Cur.Unlock()

	for _, cnl := range e.sortedDerivedChannels(scope) {
		if !cnl.FormulaUsed {
			continue
		}
		old := e.Cur.GetLocked(cnl.CnlNum)
		newData := e.Calc.Calc(cnl.CnlNum, old, old, e.Cur)
		e.Cur.WriteLocked(cnl.CnlNum, newData, now)

		if ev, ok := events.Derive(srcFor(cnl), ts, old, newData); ok {
			if e.Hooks != nil {
				e.Hooks.OnEventCreating(ev)
			}
			if err := e.Writer.Append(day, ev); err != nil {
				cclog.Errorf("[EVALUATOR]> event append failed for derived channel %d: %s", cnl.CnlNum, err)
			}
			if e.Hooks != nil {
				e.Hooks.OnEventCreated(ev)
			}
		}
	}
	return nil
}

// derivedPassOverAccessor is the process_archive variant of DerivedPass,
// operating on one archival row instead of the live current state.
func (e *Evaluator) derivedPassOverAccessor(scope channel.DerivedScope, acc *rowAccessor, ts float64, day string) {
	for _, cnl := range e.sortedDerivedChannels(scope) {
		if !cnl.FormulaUsed {
			continue
		}
		old, _ := acc.get(cnl.CnlNum)
		newData := e.Calc.Calc(cnl.CnlNum, old, old, acc)
		if i, ok := acc.nums[cnl.CnlNum]; ok {
			acc.data[i] = newData
		} else {
			acc.nums[cnl.CnlNum] = len(acc.data)
			acc.data = append(acc.data, newData)
		}

		if ev, ok := events.Derive(srcFor(cnl), ts, old, newData); ok {
			if e.Hooks != nil {
				e.Hooks.OnEventCreating(ev)
			}
			if err := e.Writer.Append(day, ev); err != nil {
				cclog.Errorf("[EVALUATOR]> event append failed for derived channel %d: %s", cnl.CnlNum, err)
			}
			if e.Hooks != nil {
				e.Hooks.OnEventCreated(ev)
			}
		}
	}
}

func (e *Evaluator) sortedDerivedChannels(scope channel.DerivedScope) []*channel.InCnl {
	out := make([]*channel.InCnl, 0)
	for _, cnl := range e.inCnls {
		if cnl.Type.IsDerived() && cnl.Type.Scope() == scope {
			out = append(out, cnl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CnlNum < out[j].CnlNum })
	return out
}

// InactivitySweep implements spec §4.4's inactivity sweep: any TS/TI
// channel whose last-active time is older than inactiveMinutes and whose
// current status is defined (> undefined) becomes unreliable, value
// unchanged. Runs once per scheduler cycle.
func (e *Evaluator) InactivitySweep(inactiveMinutes float64) {
	if inactiveMinutes <= 0 {
		return
	}
	now := e.Now()
	threshold := time.Duration(inactiveMinutes * float64(time.Minute))

	e.Cur.Lock()
	defer e.Cur.Unlock()

	for _, cnlNum := range e.Cur.AllLocked() {
		cnl := e.inCnls[cnlNum]
		if cnl == nil || (cnl.Type != channel.CnlTypeTS && cnl.Type != channel.CnlTypeTI) {
			continue
		}
		last := e.Cur.LastActiveLocked(cnlNum)
		if last.IsZero() || now.Sub(last) < threshold {
			continue
		}
		d := e.Cur.GetLocked(cnlNum)
		if d.Stat > channel.StatUndefined && d.Stat != channel.StatUnreliable {
			e.Cur.SetStat(cnlNum, float64(channel.StatUnreliable))
		}
	}
}
