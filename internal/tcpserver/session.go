// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"bufio"
	"net"
	"os"
	"time"

	"github.com/rtscada/scada-server/internal/auth"
)

// queuedCommand is one TU command waiting to be claimed by a poll, per
// spec §4.8: "TU commands queued for a client are garbage-collected
// after 60s unclaimed".
type queuedCommand struct {
	kpNum    uint16
	cmdType  uint8
	cmdNum   uint16
	data     []byte
	queuedAt time.Time
}

// session is the per-client state from spec §4.8:
// `{authenticated, user_name, role_id, activity_time, command_queue,
// open_file_handle}`.
type session struct {
	conn net.Conn
	r    *bufio.Reader

	authenticated bool
	userName      string
	userID        uint32
	role          auth.Role
	activityTime  time.Time

	commandQueue []queuedCommand

	openFile   *os.File
	openFileID string // directory+name, for diagnostics only

	closed bool
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:         conn,
		r:            bufio.NewReader(conn),
		activityTime: time.Now(),
		role:         auth.Disabled,
	}
}

func (s *session) touch(now time.Time) { s.activityTime = now }

func (s *session) idleFor(now time.Time) time.Duration { return now.Sub(s.activityTime) }

func (s *session) closeFile() {
	if s.openFile != nil {
		s.openFile.Close()
		s.openFile = nil
		s.openFileID = ""
	}
}

func (s *session) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.closeFile()
	s.conn.Close()
}

// enqueue appends a TU command for this session, to be handed out by
// the next poll-command call.
func (s *session) enqueue(cmd queuedCommand) {
	s.commandQueue = append(s.commandQueue, cmd)
}

// dequeueExpired drops any queued command older than ttl, oldest first,
// per spec §4.8's 60s unclaimed GC.
func (s *session) dequeueExpired(now time.Time, ttl time.Duration) {
	i := 0
	for i < len(s.commandQueue) && now.Sub(s.commandQueue[i].queuedAt) > ttl {
		i++
	}
	if i > 0 {
		s.commandQueue = s.commandQueue[i:]
	}
}

// popCommand removes and returns the oldest queued command, if any.
func (s *session) popCommand() (queuedCommand, bool) {
	if len(s.commandQueue) == 0 {
		return queuedCommand{}, false
	}
	cmd := s.commandQueue[0]
	s.commandQueue = s.commandQueue[1:]
	return cmd, true
}
