// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command scada-server is the server's entry point: load the
// configuration, wire every component together and run until a
// termination signal arrives — the same flag-driven, signal.Notify-based
// lifecycle cmd/cc-backend/main.go uses for its own server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/config"
	"github.com/rtscada/scada-server/internal/current"
	"github.com/rtscada/scada-server/internal/evaluator"
	"github.com/rtscada/scada-server/internal/eventwriter"
	"github.com/rtscada/scada-server/internal/healthsrv"
	"github.com/rtscada/scada-server/internal/modulehost"
	"github.com/rtscada/scada-server/internal/scheduler"
	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/tcpserver"
)

func main() {
	var settingsPath, baseDirFlag string
	flag.StringVar(&settingsPath, "config", "./scada-server.xml", "Path to the XML settings file")
	flag.StringVar(&baseDirFlag, "base", "", "Override the configuration base directory (default: the settings file's Directories>Base)")
	flag.Parse()

	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		cclog.Fatalf("loading settings: %s", err)
	}

	baseDir := baseDirFlag
	if baseDir == "" {
		baseDir = settings.BaseDir
	}
	base, err := config.LoadBase(baseDir)
	if err != nil {
		cclog.Fatalf("loading configuration base: %s", err)
	}

	calcr, err := calc.Compile(base.InCnls, base.CtrlCnls, base.AuxForms)
	if err != nil {
		cclog.Fatalf("compiling formulas: %s", err)
	}

	curPath := filepath.Join(settings.CurDir, "current.dat")
	curCopyPath := ""
	if settings.CurCopyDir != "" {
		curCopyPath = filepath.Join(settings.CurCopyDir, "current.dat")
	}

	cur := current.New()
	if err := cur.Load(curPath); err != nil {
		cclog.Warnf("loading current snapshot: %s (starting from an empty snapshot)", err)
	}

	var host *modulehost.Host
	if settings.ModuleDir != "" {
		host, err = modulehost.Load(settings.ModuleDir)
		if err != nil {
			cclog.Fatalf("loading modules: %s", err)
		}
	}

	writer := &eventwriter.Writer{PrimaryDir: settings.EventDir, CopyDir: settings.EventCopyDir}
	buckets := current.NewBuckets()
	eval := evaluator.New(base.InCnls, base.CtrlCnls, calcr, cur, buckets, writer)
	if host != nil {
		eval.Hooks = host
	}

	var minCache, hourCache *snapcache.Cache
	if settings.WriteMinPeriodSec > 0 {
		minCache = snapcache.New(snapcache.Minute, settings.MinDir, settings.MinCopyDir)
	}
	if settings.WriteHourPeriodSec > 0 {
		hourCache = snapcache.New(snapcache.Hour, settings.HourDir, settings.HourCopyDir)
	}

	schedCfg := scheduler.Config{
		CurPath:              curPath,
		CurCopyPath:          curCopyPath,
		WriteCurPeriod:       time.Duration(settings.WriteCurPeriodSec) * time.Second,
		WriteCurOnModify:     settings.WriteCurOnModify,
		WriteMinPeriod:       time.Duration(settings.WriteMinPeriodSec) * time.Second,
		WriteHourPeriod:      time.Duration(settings.WriteHourPeriodSec) * time.Second,
		InactiveMinutes:      settings.InactiveUnreliableMin,
		MinRetentionDays:     settings.MinRetentionDays,
		HourRetentionDays:    settings.HourRetentionDays,
		EventRetentionDays:   settings.EventRetentionDays,
		MinDir:               settings.MinDir,
		MinCopyDir:           settings.MinCopyDir,
		HourDir:              settings.HourDir,
		HourCopyDir:          settings.HourCopyDir,
		EventDir:             settings.EventDir,
		EventCopyDir:         settings.EventCopyDir,
		ColdTier: scheduler.ColdTierConfig{
			Enabled:      settings.ColdTier.Enabled,
			Endpoint:     settings.ColdTier.Endpoint,
			Bucket:       settings.ColdTier.Bucket,
			Region:       settings.ColdTier.Region,
			Prefix:       settings.ColdTier.Prefix,
			AccessKey:    os.Getenv("SCADA_COLDTIER_ACCESS_KEY"),
			SecretKey:    os.Getenv("SCADA_COLDTIER_SECRET_KEY"),
			UsePathStyle: os.Getenv("SCADA_COLDTIER_PATH_STYLE") == "1",
		},
	}
	sched := scheduler.New(schedCfg, eval, cur, minCache, hourCache)
	if err := sched.Start(); err != nil {
		cclog.Fatalf("starting scheduler: %s", err)
	}

	authStore := auth.NewStore(base.Creds)
	ctrlCnls := make(map[uint16]*channel.CtrlCnl, len(base.CtrlCnls))
	for _, c := range base.CtrlCnls {
		ctrlCnls[c.CtrlCnlNum] = c
	}

	var hooks tcpserver.Hooks
	if host != nil {
		hooks = host
	}
	tcpCfg := tcpserver.Config{
		ListenAddr: settings.TCPListenAddr,
		AppVerLo:   settings.AppVerLo,
		AppVerHi:   settings.AppVerHi,
		Dirs: tcpserver.DirConfig{
			Current:  settings.CurDir,
			Minute:   settings.MinDir,
			Hour:     settings.HourDir,
			Events:   settings.EventDir,
			Base:     settings.BaseDir,
			Interface: settings.InterfaceDir,

			CurrentCopy:   settings.CurCopyDir,
			MinuteCopy:    settings.MinCopyDir,
			HourCopy:      settings.HourCopyDir,
			EventsCopy:    settings.EventCopyDir,
			BaseCopy:      settings.BaseCopyDir,
			InterfaceCopy: settings.InterfaceCopyDir,
		},
	}
	tcp := tcpserver.New(tcpCfg, authStore, eval, minCache, hourCache, ctrlCnls, calcr, hooks)
	if err := tcp.Start(); err != nil {
		cclog.Fatalf("starting TCP server: %s", err)
	}

	health := healthsrv.New(healthsrv.Config{ListenAddr: settings.HealthListenAddr}, sched, tcp)
	if err := health.Start(); err != nil {
		cclog.Fatalf("starting health server: %s", err)
	}

	if host != nil {
		host.OnServerStart()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	cclog.Infof("shutting down")

	if host != nil {
		host.OnServerStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := health.Stop(ctx); err != nil {
		cclog.Warnf("health server shutdown: %s", err)
	}
	tcp.Stop(10 * time.Second)
	sched.Stop(10 * time.Second)
}
