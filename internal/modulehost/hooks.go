// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package modulehost implements the module host (spec §4.7, component
// I): it discovers modules from a configured directory, validates each
// one's manifest, and fires the ten lifecycle hooks with per-hook
// error isolation so one misbehaving module never affects the server
// loop or any other module.
package modulehost

import (
	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// Hooks is the full lifecycle interface from spec §4.7. Builtin and
// external modules embed BaseModule and override only the hooks their
// manifest declares; BaseModule supplies a no-op for everything else.
type Hooks interface {
	OnServerStart()
	OnServerStop()
	OnCurrentDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnCurrentDataCalculated(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnArchiveDataProcessed(cnlNums []channel.CnlNum, snap *snapshot.Srez)
	OnEventCreating(ev *events.Event)
	OnEventCreated(ev *events.Event)
	OnEventChecked(day string, evNum int, userID uint32)
	OnCommandReceived(ctrlCnlNum uint16, cmd []byte, userID uint32, passToClients *bool)
	ValidateUser(name, pw string) (role auth.Role, handled bool)
}

// hookNames are the manifest strings a module can declare support for;
// order matches spec §4.7's listing.
var hookNames = []string{
	"on_server_start", "on_server_stop",
	"on_current_data_processed", "on_current_data_calculated",
	"on_archive_data_processed",
	"on_event_creating", "on_event_created", "on_event_checked",
	"on_command_received", "validate_user",
}

// BaseModule gives every hook a no-op default so a concrete module only
// needs to implement the handful it actually declares in its manifest.
type BaseModule struct{}

func (BaseModule) OnServerStart() {}
func (BaseModule) OnServerStop()  {}
func (BaseModule) OnCurrentDataProcessed(_ []channel.CnlNum, _ *snapshot.Srez)  {}
func (BaseModule) OnCurrentDataCalculated(_ []channel.CnlNum, _ *snapshot.Srez) {}
func (BaseModule) OnArchiveDataProcessed(_ []channel.CnlNum, _ *snapshot.Srez)  {}
func (BaseModule) OnEventCreating(_ *events.Event)                             {}
func (BaseModule) OnEventCreated(_ *events.Event)                              {}
func (BaseModule) OnEventChecked(_ string, _ int, _ uint32)                    {}
func (BaseModule) OnCommandReceived(_ uint16, _ []byte, _ uint32, _ *bool)     {}
func (BaseModule) ValidateUser(_, _ string) (auth.Role, bool)                  { return auth.Disabled, false }
