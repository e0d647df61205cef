// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"encoding/json"
	"os"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
)

// registerAncillaryJobs mirrors internal/taskManager/taskManager.go's
// Start(): a handful of named jobs registered against the same scheduler
// instance around the core loop, each responsible for one cadence that
// doesn't need to block the 100ms tick.
func (s *Scheduler) registerAncillaryJobs() {
	s.registerCacheEvictionJob()
	s.registerRetentionJob()
	s.registerStatusFileJob()
}

// registerCacheEvictionJob runs spec §4.6 step 7 ("at most once per
// minute") as its own job instead of tracking elapsed time inline in the
// hot loop.
func (s *Scheduler) registerCacheEvictionJob() {
	if s.minCache == nil && s.hourCache == nil {
		return
	}
	_, err := s.gocronSched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			now := s.now()
			if s.minCache != nil {
				s.minCache.Sweep(now)
			}
			if s.hourCache != nil {
				s.hourCache.Sweep(now)
			}
		}),
	)
	if err != nil {
		cclog.Errorf("[SCHEDULER]> registering cache eviction job: %s", err)
	}
}

// registerRetentionJob runs the daily retention sweep at 03:00, the same
// slot internal/taskManager/retentionService.go uses for its own daily
// delete job.
func (s *Scheduler) registerRetentionJob() {
	uploader, err := newColdTierUploader(s.cfg.ColdTier)
	if err != nil {
		cclog.Errorf("[SCHEDULER]> cold tier uploader disabled: %s", err)
		uploader = nil
	}

	_, err = s.gocronSched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() {
			now := s.now()
			sweepRetention(s.cfg.MinDir, "m", s.cfg.MinRetentionDays, now, uploader)
			sweepRetention(s.cfg.MinCopyDir, "m", s.cfg.MinRetentionDays, now, nil)
			sweepRetention(s.cfg.HourDir, "h", s.cfg.HourRetentionDays, now, uploader)
			sweepRetention(s.cfg.HourCopyDir, "h", s.cfg.HourRetentionDays, now, nil)
			sweepRetention(s.cfg.EventDir, "e", s.cfg.EventRetentionDays, now, uploader)
			sweepRetention(s.cfg.EventCopyDir, "e", s.cfg.EventRetentionDays, now, nil)
		}),
	)
	if err != nil {
		cclog.Errorf("[SCHEDULER]> registering retention job: %s", err)
	}
}

// statusDocument is the small heartbeat document written to
// Config.StatusFilePath, readable by external monitoring without needing
// the TCP protocol.
type statusDocument struct {
	Timestamp    time.Time `json:"timestamp"`
	HeartbeatAge string    `json:"heartbeat_age"`
}

func (s *Scheduler) registerStatusFileJob() {
	if s.cfg.StatusFilePath == "" {
		return
	}
	interval := s.cfg.StatusInterval
	if interval <= 0 {
		interval = time.Minute
	}

	_, err := s.gocronSched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			doc := statusDocument{
				Timestamp:    s.now(),
				HeartbeatAge: s.Heartbeat().String(),
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				cclog.Errorf("[SCHEDULER]> marshal status document: %s", err)
				return
			}
			if err := os.WriteFile(s.cfg.StatusFilePath, data, 0o640); err != nil {
				cclog.Errorf("[SCHEDULER]> write status file: %s", err)
			}
		}),
	)
	if err != nil {
		cclog.Errorf("[SCHEDULER]> registering status file job: %s", err)
	}
}
