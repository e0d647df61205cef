// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scheduler implements the server scheduler (spec §4.6, component
// G): a single 100ms-tick loop running the strictly ordered critical
// sequence (clock-regression detection, inactivity sweep, derived passes,
// current/minute/hour snapshot flushes), plus ancillary cadences —
// cache eviction, retention and the status file — driven independently by
// github.com/go-co-op/gocron/v2, the same split
// internal/taskManager/taskManager.go uses between its core hot path and
// its gocron-registered background jobs.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/evaluator"
	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/snapcodec"
)

// Config holds every cadence and path the scheduler needs. A zero
// WriteMinPeriod or WriteHourPeriod disables that table (e.g.
// WriteHourPeriod == 0 means no hour table is maintained); a zero
// WriteCurPeriod saves the current snapshot on every tick.
type Config struct {
	TickInterval time.Duration // default 100ms if zero

	CurPath         string
	CurCopyPath     string
	WriteCurPeriod  time.Duration
	WriteCurOnModify bool

	WriteMinPeriod time.Duration
	WriteHourPeriod time.Duration

	InactiveMinutes float64

	MinRetentionDays   int
	HourRetentionDays  int
	EventRetentionDays int

	MinDir, MinCopyDir     string
	HourDir, HourCopyDir   string
	EventDir, EventCopyDir string

	ColdTier ColdTierConfig

	// StatusFilePath, if non-empty, gets a small JSON heartbeat document
	// written to it every StatusInterval (default 1 minute) — an ambient
	// extension (SPEC_FULL.md), not part of spec.md's own scheduler steps.
	StatusFilePath string
	StatusInterval time.Duration
}

// Scheduler drives the tick loop plus the ancillary gocron jobs.
type Scheduler struct {
	cfg  Config
	eval *evaluator.Evaluator
	cur  *current.State

	minCache  *snapcache.Cache
	hourCache *snapcache.Cache

	now func() time.Time

	nextCurWrite  time.Time
	nextMinWrite  time.Time
	nextHourWrite time.Time
	currentDay    string
	lastTick      time.Time

	heartbeat atomic.Int64 // unix nanos of the last completed tick

	gocronSched gocron.Scheduler

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Scheduler. minCache and hourCache may be nil if the
// corresponding write period is zero.
func New(cfg Config, eval *evaluator.Evaluator, cur *current.State, minCache, hourCache *snapcache.Cache) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	return &Scheduler{
		cfg:       cfg,
		eval:      eval,
		cur:       cur,
		minCache:  minCache,
		hourCache: hourCache,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Heartbeat returns how long ago the last completed tick finished, for
// internal/healthsrv's liveness check.
func (s *Scheduler) Heartbeat() time.Duration {
	last := s.heartbeat.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Start launches the tick loop goroutine and the gocron ancillary jobs.
// Returns once both are running.
func (s *Scheduler) Start() error {
	now := s.now()
	s.currentDay = snapcodec.DayString(now)
	s.nextCurWrite = NextInstant(now, s.cfg.WriteCurPeriod)
	s.nextMinWrite = NextInstant(now, s.cfg.WriteMinPeriod)
	s.nextHourWrite = NextInstant(now, s.cfg.WriteHourPeriod)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.gocronSched = sched
	s.registerAncillaryJobs()
	s.gocronSched.Start()

	go s.loop()
	return nil
}

// Stop signals the tick loop to exit and waits up to budget for it to
// finish, per spec §5's "join the scheduler (10s budget — abort if
// exceeded)".
func (s *Scheduler) Stop(budget time.Duration) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
	case <-time.After(budget):
		cclog.Warnf("[SCHEDULER]> tick loop did not stop within %s, abandoning", budget)
	}

	if s.gocronSched != nil {
		if err := s.gocronSched.Shutdown(); err != nil {
			cclog.Warnf("[SCHEDULER]> gocron shutdown: %s", err)
		}
	}
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs the strictly ordered per-cycle sequence from spec §4.6 steps
// 1-6. Step 7 (cache eviction, "at most once per minute") is driven by an
// ancillary gocron job instead — see registerAncillaryJobs — since it has
// no ordering dependency on the rest of the sequence and the teacher's own
// cadence split (core loop vs. gocron jobs) is the model for pulling
// non-critical-path sweeps off the hot loop.
func (s *Scheduler) tick(now time.Time) {
	// Step 1: clock regression.
	if s.lastTick.After(now) {
		cclog.Warnf("[SCHEDULER]> wall clock moved backward (%s -> %s), recomputing write schedule", s.lastTick, now)
		s.nextCurWrite = NextInstant(now, s.cfg.WriteCurPeriod)
		s.nextMinWrite = NextInstant(now, s.cfg.WriteMinPeriod)
		s.nextHourWrite = NextInstant(now, s.cfg.WriteHourPeriod)
	}
	s.lastTick = now

	// Step 2: daily rollover detection. The actual retention deletion runs
	// as its own gocron daily job; here we only track which day we're in so
	// the minute/hour cache naturally starts writing into a new day's entry.
	if day := snapcodec.DayString(now); day != s.currentDay {
		cclog.Infof("[SCHEDULER]> day rolled over %s -> %s", s.currentDay, day)
		s.currentDay = day
	}

	// Step 3: inactivity sweep.
	s.eval.InactivitySweep(s.cfg.InactiveMinutes)

	// Step 4: derived passes by cadence.
	if err := s.eval.DerivedPass(channel.ScopePerCycle); err != nil {
		cclog.Errorf("[SCHEDULER]> per-cycle derived pass: %s", err)
	}
	minuteBoundary := s.cfg.WriteMinPeriod > 0 && !now.Before(s.nextMinWrite)
	if minuteBoundary {
		if err := s.eval.DerivedPass(channel.ScopePerMinute); err != nil {
			cclog.Errorf("[SCHEDULER]> per-minute derived pass: %s", err)
		}
	}
	hourBoundary := s.cfg.WriteHourPeriod > 0 && !now.Before(s.nextHourWrite)
	if hourBoundary {
		if err := s.eval.DerivedPass(channel.ScopePerHour); err != nil {
			cclog.Errorf("[SCHEDULER]> per-hour derived pass: %s", err)
		}
	}

	// Step 5: events are already appended synchronously as part of step 3/4
	// (internal/evaluator writes each event the moment it derives it, under
	// the current-snapshot lock it already holds) — there is no separate
	// batch to flush here.

	// Step 6: flush snapshots.
	s.maybeFlushCurrent(now)
	if minuteBoundary && s.minCache != nil {
		if err := s.flushPeriodTable(now, s.minCache, s.cfg.WriteMinPeriod, s.eval.Buckets.FlushMinute); err != nil {
			cclog.Errorf("[SCHEDULER]> minute snapshot flush: %s", err)
		}
		s.nextMinWrite = NextInstant(now, s.cfg.WriteMinPeriod)
	}
	if hourBoundary {
		if err := s.flushPeriodTable(now, s.hourCache, s.cfg.WriteHourPeriod, s.eval.Buckets.FlushHour); err != nil {
			cclog.Errorf("[SCHEDULER]> hour snapshot flush: %s", err)
		}
		s.nextHourWrite = NextInstant(now, s.cfg.WriteHourPeriod)
	}

	s.heartbeat.Store(now.UnixNano())
}

func (s *Scheduler) maybeFlushCurrent(now time.Time) {
	due := s.cfg.WriteCurOnModify && s.cur.Dirty()
	if !due {
		due = !now.Before(s.nextCurWrite)
	}
	if !due {
		return
	}

	s.cur.Lock()
	err := s.cur.Save(s.cfg.CurPath)
	s.cur.Unlock()
	if err != nil {
		cclog.Errorf("[SCHEDULER]> current snapshot save: %s", err)
	}
	if s.cfg.CurCopyPath != "" {
		snap := s.cur.Snapshot()
		if err := snapcodec.SaveCurrent(s.cfg.CurCopyPath, snap); err != nil {
			cclog.Errorf("[SCHEDULER]> current snapshot copy save: %s", err)
		}
	}
	s.nextCurWrite = NextInstant(now, s.cfg.WriteCurPeriod)
}

// flushPeriodTable writes a row for now into cache's today entry and
// persists the table to disk — spec §4.6 step 6's minute and hour
// snapshot writes. flushBuckets drains the already-zeroed averaging
// buckets for this cadence (spec §4.4.2d: "materialized as value+defined
// status for averaging channels and then zeroed"), overlaid onto the
// row's otherwise-current values. flushBuckets is one of
// evaluator.Evaluator.Buckets' Flush{Minute,Hour} methods, which — like
// AddLocked — require the current-snapshot lock to already be held,
// since Buckets guards its maps with that lock rather than one of its
// own; so the drain and the row snapshot are taken together under
// s.cur's lock, released before the cache entry lock and file I/O.
func (s *Scheduler) flushPeriodTable(now time.Time, cache *snapcache.Cache, period time.Duration, flushBuckets func() map[channel.CnlNum]channel.Data) error {
	entry := cache.GetOrLoad(now)
	if err := entry.Fill(); err != nil {
		return err
	}

	s.cur.Lock()
	avg := flushBuckets()
	row := s.cur.SnapshotLocked()
	s.cur.Unlock()

	row.Timestamp = snapcodec.EncodeTimestamp(now.Truncate(period))
	for cnl, d := range avg {
		if i := row.IndexOf(cnl); i >= 0 {
			row.CnlData[i] = d
		}
	}

	entry.Lock()
	entry.Table.Insert(row)
	toSave := entry.Table.Clone()
	path := entry.Path
	entry.Unlock()

	return snapcodec.SaveTable(path, toSave)
}
