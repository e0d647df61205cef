// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Builtin module "eventbus": republishes SCADA events and received
// commands onto a NATS subject for external integrations, mirroring
// cc-backend's NATS-based intake (internal/memorystore/lineprotocol.go)
// used in the opposite direction.
package modulehost

import (
	"encoding/json"
	"fmt"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/nats-io/nats.go"
	"github.com/rtscada/scada-server/internal/events"
)

func init() {
	RegisterBuiltin("eventbus", newEventBus)
}

type eventBusModule struct {
	BaseModule
	nc             *nats.Conn
	eventSubject   string
	commandSubject string
}

func newEventBus(_ string, config map[string]interface{}) (Hooks, error) {
	url, _ := config["url"].(string)
	if url == "" {
		url = nats.DefaultURL
	}
	eventSubject, _ := config["event_subject"].(string)
	if eventSubject == "" {
		eventSubject = "scada.events"
	}
	commandSubject, _ := config["command_subject"].(string)
	if commandSubject == "" {
		commandSubject = "scada.commands"
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connecting to %s: %w", url, err)
	}
	return &eventBusModule{nc: nc, eventSubject: eventSubject, commandSubject: commandSubject}, nil
}

func (m *eventBusModule) OnEventCreated(ev *events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		cclog.Warnf("[EVENTBUS]> marshal event: %s", err)
		return
	}
	if err := m.nc.Publish(m.eventSubject, payload); err != nil {
		cclog.Warnf("[EVENTBUS]> publish event: %s", err)
	}
}

type commandMessage struct {
	CtrlCnlNum uint16 `json:"ctrl_cnl_num"`
	Cmd        []byte `json:"cmd"`
	UserID     uint32 `json:"user_id"`
}

func (m *eventBusModule) OnCommandReceived(ctrlCnlNum uint16, cmd []byte, userID uint32, _ *bool) {
	payload, err := json.Marshal(commandMessage{CtrlCnlNum: ctrlCnlNum, Cmd: cmd, UserID: userID})
	if err != nil {
		cclog.Warnf("[EVENTBUS]> marshal command: %s", err)
		return
	}
	if err := m.nc.Publish(m.commandSubject, payload); err != nil {
		cclog.Warnf("[EVENTBUS]> publish command: %s", err)
	}
}
