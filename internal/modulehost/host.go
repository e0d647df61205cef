// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package modulehost

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/scadaerr"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// Factory builds a module instance from its manifest's declared config.
type Factory func(name string, config map[string]interface{}) (Hooks, error)

// registry maps a manifest's "type" field to a builtin factory. External
// modules would extend this the same way the three builtins below
// register themselves via RegisterBuiltin in their own init().
var registry = map[string]Factory{}

// RegisterBuiltin adds a module type to the registry. Called from the
// builtin modules' init() functions.
func RegisterBuiltin(moduleType string, f Factory) {
	registry[moduleType] = f
}

type loadedModule struct {
	manifest *Manifest
	impl     Hooks
}

// Host loads modules from a directory (in module-directory-name-sorted
// order, for determinism) and fires hooks with per-hook isolation (spec §4.7:
// "an exception raised by one module logs and is swallowed").
type Host struct {
	modules []loadedModule
}

// Load discovers every immediate subdirectory of dir carrying a
// manifest.json, validates it, and instantiates its module via the
// registry. A module whose type isn't registered is skipped with a
// warning rather than aborting startup — unlike a config-base error,
// an unknown module is not fatal (spec §1: modules are "external
// collaborators").
func Load(dir string) (*Host, error) {
	h := &Host{}
	if dir == "" {
		return h, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, &scadaerr.ConfigError{Reason: fmt.Sprintf("modulehost: reading %s: %s", dir, err)}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		modDir := filepath.Join(dir, name)
		m, err := loadManifest(modDir)
		if err != nil {
			cclog.Warnf("[MODULEHOST]> skipping %s: %s", modDir, err)
			continue
		}
		factory, ok := registry[m.Type]
		if !ok {
			cclog.Warnf("[MODULEHOST]> skipping %s: unknown module type %q", modDir, m.Type)
			continue
		}
		impl, err := factory(m.Name, m.Config)
		if err != nil {
			cclog.Warnf("[MODULEHOST]> skipping %s: %s", modDir, err)
			continue
		}
		h.modules = append(h.modules, loadedModule{manifest: m, impl: impl})
		cclog.Infof("[MODULEHOST]> loaded module %q (type %s)", m.Name, m.Type)
	}
	return h, nil
}

// isolate runs fn, catching any panic and turning it into a logged
// ModuleError, exactly the isolation boundary every other call site in
// this file shares.
func isolate(moduleName, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			cclog.Errorf("[MODULEHOST]> %s", (&scadaerr.ModuleError{Module: moduleName, Hook: hook, Err: fmt.Errorf("%v", r)}).Error())
		}
	}()
	fn()
}

func (h *Host) OnServerStart() {
	for _, m := range h.modules {
		if !m.manifest.supports("on_server_start") {
			continue
		}
		isolate(m.manifest.Name, "on_server_start", m.impl.OnServerStart)
	}
}

func (h *Host) OnServerStop() {
	for _, m := range h.modules {
		if !m.manifest.supports("on_server_stop") {
			continue
		}
		isolate(m.manifest.Name, "on_server_stop", m.impl.OnServerStop)
	}
}

func (h *Host) OnCurrentDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_current_data_processed") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_current_data_processed", func() { m.impl.OnCurrentDataProcessed(cnlNums, snap) })
	}
}

func (h *Host) OnCurrentDataCalculated(cnlNums []channel.CnlNum, snap *snapshot.Srez) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_current_data_calculated") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_current_data_calculated", func() { m.impl.OnCurrentDataCalculated(cnlNums, snap) })
	}
}

func (h *Host) OnArchiveDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_archive_data_processed") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_archive_data_processed", func() { m.impl.OnArchiveDataProcessed(cnlNums, snap) })
	}
}

func (h *Host) OnEventCreating(ev *events.Event) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_event_creating") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_event_creating", func() { m.impl.OnEventCreating(ev) })
	}
}

func (h *Host) OnEventCreated(ev *events.Event) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_event_created") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_event_created", func() { m.impl.OnEventCreated(ev) })
	}
}

func (h *Host) OnEventChecked(day string, evNum int, userID uint32) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_event_checked") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_event_checked", func() { m.impl.OnEventChecked(day, evNum, userID) })
	}
}

func (h *Host) OnCommandReceived(ctrlCnlNum uint16, cmd []byte, userID uint32, passToClients *bool) {
	for _, m := range h.modules {
		if !m.manifest.supports("on_command_received") {
			continue
		}
		m := m
		isolate(m.manifest.Name, "on_command_received", func() { m.impl.OnCommandReceived(ctrlCnlNum, cmd, userID, passToClients) })
	}
}

// ValidateUser tries each module that declares validate_user, in load
// order, returning the first that reports handled = true. If none
// handle it, (Disabled, false) is returned so the core user table (or
// the caller's own fallback) takes over.
func (h *Host) ValidateUser(name, pw string) (role auth.Role, handled bool) {
	for _, m := range h.modules {
		if !m.manifest.supports("validate_user") {
			continue
		}
		var r auth.Role
		var ok bool
		isolate(m.manifest.Name, "validate_user", func() { r, ok = m.impl.ValidateUser(name, pw) })
		if ok {
			return r, true
		}
	}
	return auth.Disabled, false
}
