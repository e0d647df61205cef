// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// sweepRetention deletes files named <prefix><day>.dat under dir whose day
// is older than retentionDays, per spec §4.6 step 2: "delete m*.dat,
// h*.dat, e*.dat older than configured retention (separate policies for
// minute / hour / event)". If uploader is non-nil, each file is uploaded
// to cold-tier storage immediately before deletion (SPEC_FULL.md's
// ambient cold-tier retention extension).
func sweepRetention(dir, prefix string, retentionDays int, now time.Time, uploader *coldTierUploader) {
	if dir == "" || retentionDays <= 0 {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			cclog.Warnf("[SCHEDULER]> retention sweep: reading %s: %s", dir, err)
		}
		return
	}

	cutoff := now.AddDate(0, 0, -retentionDays)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, ok := parseRetentionDay(entry.Name(), prefix)
		if !ok {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if uploader != nil {
			if err := uploader.upload(context.Background(), path); err != nil {
				cclog.Errorf("[SCHEDULER]> retention cold-tier upload failed for %s, keeping file: %s", path, err)
				continue // don't delete what we couldn't archive
			}
		}
		if err := os.Remove(path); err != nil {
			cclog.Errorf("[SCHEDULER]> retention sweep: removing %s: %s", path, err)
		} else {
			cclog.Infof("[SCHEDULER]> retention sweep: removed %s", path)
		}
	}
}

// parseRetentionDay extracts the day from a "<prefix><060102>.dat" file
// name, matching the naming convention internal/snapcache and
// internal/eventwriter both use.
func parseRetentionDay(name, prefix string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".dat") {
		return time.Time{}, false
	}
	datePart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".dat")
	day, err := time.Parse("060102", datePart)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
