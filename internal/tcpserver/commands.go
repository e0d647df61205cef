// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"hash/fnv"
	"os"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/events"
	"github.com/rtscada/scada-server/internal/scheduler"
	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/snapcodec"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// Response status bytes, prefixed to every command's payload.
const (
	statusOK         = 0x00
	statusAuthReq    = 0x01
	statusForbidden  = 0x02
	statusBadRequest = 0x03
	statusNotFound   = 0x04
	statusInternal   = 0x05
)

// dispatch decodes fr's payload, runs the command and writes the
// response frame. A decode/write failure that indicates a broken
// connection (rather than a bad request) drops the session.
func (s *Server) dispatch(sess *session, fr frame) {
	status, resp := s.handle(sess, fr)

	w := &responseWriter{}
	w.u8(status)
	w.bytes(resp)

	if err := writeFrame(sess.conn, fr.cmd, w.buf); err != nil {
		cclog.Debugf("[TCP]> writing response to %s: %s", sess.conn.RemoteAddr(), err)
		sess.close()
	}
}

// handle runs one command and returns its status byte and payload
// (excluding the status byte, which dispatch prepends).
func (s *Server) handle(sess *session, fr frame) (byte, []byte) {
	if fr.cmd != cmdAuthenticate && fr.cmd != cmdPing && !sess.authenticated {
		return statusAuthReq, nil
	}

	switch fr.cmd {
	case cmdAuthenticate:
		return s.handleAuthenticate(sess, fr.payload)
	case cmdPing:
		return statusOK, nil
	case cmdWriteCurrent:
		return s.handleWriteCurrent(sess, fr.payload)
	case cmdWriteArchive:
		return s.handleWriteArchive(sess, fr.payload)
	case cmdWriteEvent:
		return s.handleWriteEvent(sess, fr.payload)
	case cmdCommandTU:
		return s.handleCommandTU(sess, fr.payload)
	case cmdPollCommand:
		return s.handlePollCommand(sess)
	case cmdOpenReadFile:
		return s.handleOpenReadFile(sess, fr.payload)
	case cmdFileSeek:
		return s.handleFileSeek(sess, fr.payload)
	case cmdReadFile:
		return s.handleReadFile(sess, fr.payload)
	case cmdCloseFile:
		sess.closeFile()
		return statusOK, nil
	case cmdFileMtimes:
		return s.handleFileMtimes(sess, fr.payload)
	case cmdSnapshotQuery:
		return s.handleSnapshotQuery(sess, fr.payload)
	case cmdCheckEvent:
		return s.handleCheckEvent(sess, fr.payload)
	default:
		return statusBadRequest, nil
	}
}

// userIDFor derives a stable numeric user id from a user name: the
// configuration base's user table (internal/config) has no separate
// numeric id column, only the name it authenticates against.
func userIDFor(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

func (s *Server) resolveRole(name, pw string) (auth.Role, bool) {
	if s.hooks != nil {
		if role, handled := s.hooks.ValidateUser(name, pw); handled {
			return role, true
		}
	}
	role, err := s.authStore.Validate(name, pw)
	if err != nil {
		return auth.Disabled, true
	}
	return role, true
}

// handleAuthenticate implements spec §4.7's authenticate command. An
// empty password is a role-lookup call and requires the session to
// already be authenticated (internal/auth.Store.Validate honors the same
// convention for the password check itself).
func (s *Server) handleAuthenticate(sess *session, payload []byte) (byte, []byte) {
	p := newPayloadReader(payload)
	name, err := p.str()
	if err != nil {
		return statusBadRequest, nil
	}
	pw, err := p.str()
	if err != nil {
		return statusBadRequest, nil
	}

	if pw == "" && !sess.authenticated {
		return statusAuthReq, nil
	}

	role, _ := s.resolveRole(name, pw)
	if pw != "" {
		if !role.Usable() {
			return statusForbidden, []byte{byte(role)}
		}
		sess.authenticated = true
		sess.userName = name
		sess.userID = userIDFor(name)
		sess.role = role
	}

	w := &responseWriter{}
	w.u8(byte(role))
	return statusOK, w.buf
}

// decodeCnlValues reads the [u32 cnl, f64 val, u16 stat]* repeat shared by
// cmd 0x03 and cmd 0x04 (spec §6), prefixed by its own u16 count.
func decodeCnlValues(p *payloadReader) (map[channel.CnlNum]channel.Data, error) {
	cnt, err := p.u16()
	if err != nil {
		return nil, err
	}
	values := make(map[channel.CnlNum]channel.Data, cnt)
	for i := 0; i < int(cnt); i++ {
		cnlNum, err := p.u32()
		if err != nil {
			return nil, err
		}
		val, err := p.f64()
		if err != nil {
			return nil, err
		}
		stat, err := p.u16()
		if err != nil {
			return nil, err
		}
		values[channel.CnlNum(cnlNum)] = channel.Data{Val: val, Stat: channel.Stat(stat)}
	}
	return values, nil
}

func (s *Server) handleWriteCurrent(sess *session, payload []byte) (byte, []byte) {
	if !sess.role.CanWriteData() {
		return statusForbidden, nil
	}
	values, err := decodeCnlValues(newPayloadReader(payload))
	if err != nil {
		return statusBadRequest, nil
	}
	// ProcessCurrent keys off its own clock (e.Now), not the srez's
	// timestamp, so cmd 0x03 (which carries no ts field) needs no
	// placeholder beyond the zero value.
	srez := snapshot.NewSrez(0, values)
	if err := s.eval.ProcessCurrent(srez); err != nil {
		cclog.Errorf("[TCP]> write_current: %s", err)
		return statusInternal, nil
	}
	return statusOK, nil
}

// writeArchiveSlot writes srez's channel values into cache's table for
// slot, constructing a fresh Srez whose Timestamp is slot's encoded value
// since ProcessArchive keys its table lookup directly off that field.
// entry.Fill runs unlocked, per the lock ordering in spec §5; the
// entry's own lock then serializes the read-modify-write.
func (s *Server) writeArchiveSlot(cache *snapcache.Cache, desc snapshot.Descriptor, cnlData []channel.Data, slot time.Time) error {
	if cache == nil {
		return nil
	}
	aligned := &snapshot.Srez{Desc: desc, CnlData: cnlData, Timestamp: snapcodec.EncodeTimestamp(slot)}

	entry := cache.GetOrLoad(slot)
	if err := entry.Fill(); err != nil {
		return err
	}

	entry.Lock()
	procErr := s.eval.ProcessArchive(aligned, entry.Table)
	var toSave *snapshot.Table
	if procErr == nil {
		toSave = entry.Table.Clone()
	}
	path := entry.Path
	entry.Unlock()

	if procErr != nil {
		return procErr
	}
	return snapcodec.SaveTable(path, toSave)
}

// handleWriteArchive implements spec §4.4's process_archive: an upload
// targeting a specific historical timestamp is written into the nearest
// minute-aligned slot, and additionally into the hour table if that
// minute-aligned slot also lands on an hour boundary.
func (s *Server) handleWriteArchive(sess *session, payload []byte) (byte, []byte) {
	if !sess.role.CanWriteData() {
		return statusForbidden, nil
	}
	p := newPayloadReader(payload)
	rawTS, err := p.f64()
	if err != nil {
		return statusBadRequest, nil
	}
	values, err := decodeCnlValues(p)
	if err != nil {
		return statusBadRequest, nil
	}
	ts, err := snapcodec.DecodeTimestamp(rawTS)
	if err != nil {
		return statusBadRequest, nil
	}

	srez := snapshot.NewSrez(rawTS, values)
	minuteTS := scheduler.NearestAligned(ts, time.Minute)

	if err := s.writeArchiveSlot(s.minCache, srez.Desc, srez.CnlData, minuteTS); err != nil {
		cclog.Errorf("[TCP]> write_archive: minute table: %s", err)
		return statusInternal, nil
	}
	if minuteTS.Equal(minuteTS.Truncate(time.Hour)) {
		if err := s.writeArchiveSlot(s.hourCache, srez.Desc, srez.CnlData, minuteTS); err != nil {
			cclog.Errorf("[TCP]> write_archive: hour table: %s", err)
			return statusInternal, nil
		}
	}
	return statusOK, nil
}

func (s *Server) handleWriteEvent(sess *session, payload []byte) (byte, []byte) {
	if !sess.role.CanWriteData() {
		return statusForbidden, nil
	}
	p := newPayloadReader(payload)
	ts, err := p.f64()
	if err != nil {
		return statusBadRequest, nil
	}
	objNum, err := p.u32()
	if err != nil {
		return statusBadRequest, nil
	}
	kpNum, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	paramID, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	cnlNum, err := p.u32()
	if err != nil {
		return statusBadRequest, nil
	}
	oldVal, err := p.f64()
	if err != nil {
		return statusBadRequest, nil
	}
	oldStat, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	newVal, err := p.f64()
	if err != nil {
		return statusBadRequest, nil
	}
	newStat, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	descr, err := p.str()
	if err != nil {
		return statusBadRequest, nil
	}
	if len(descr) > events.DescrMaxLen {
		descr = descr[:events.DescrMaxLen]
	}
	dataLen, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	data, err := p.bytes(int(dataLen))
	if err != nil {
		return statusBadRequest, nil
	}
	if len(data) > events.DataMaxLen {
		data = data[:events.DataMaxLen]
	}

	t, err := snapcodec.DecodeTimestamp(ts)
	if err != nil {
		return statusBadRequest, nil
	}
	ev := &events.Event{
		Timestamp: ts,
		ObjNum:    objNum,
		KPNum:     kpNum,
		ParamID:   paramID,
		CnlNum:    channel.CnlNum(cnlNum),
		OldVal:    oldVal,
		OldStat:   channel.Stat(oldStat),
		NewVal:    newVal,
		NewStat:   channel.Stat(newStat),
		UserID:    sess.userID,
		Descr:     descr,
		Data:      append([]byte(nil), data...),
	}
	if s.eval.Hooks != nil {
		s.eval.Hooks.OnEventCreating(ev)
	}
	if err := s.eval.Writer.Append(snapcodec.DayString(t), ev); err != nil {
		cclog.Errorf("[TCP]> write_event: %s", err)
		return statusInternal, nil
	}
	if s.eval.Hooks != nil {
		s.eval.Hooks.OnEventCreated(ev)
	}
	return statusOK, nil
}

// handleCommandTU implements spec §4.7's command_tu: resolve the control
// channel, compute its formula output if one is configured, let the
// module host veto client broadcast, then queue the command for every
// other connected session (see Server.broadcastTU).
func (s *Server) handleCommandTU(sess *session, payload []byte) (byte, []byte) {
	if !sess.role.CanSendTU() {
		return statusForbidden, nil
	}
	p := newPayloadReader(payload)
	_, err := p.u16() // user_id: the wire value is advisory, sess.userID is authoritative
	if err != nil {
		return statusBadRequest, nil
	}
	cmdType, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	ctrlCnlNum, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	dataLen, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	data, err := p.bytes(int(dataLen))
	if err != nil {
		return statusBadRequest, nil
	}

	cnl := s.ctrlCnls[ctrlCnlNum]
	if cnl == nil {
		return statusNotFound, nil
	}
	if channel.CmdType(cmdType) != cnl.CmdType {
		cclog.Debugf("[TCP]> command_tu: wire cmd_type %d disagrees with configured %d for ctrl cnl %d", cmdType, cnl.CmdType, ctrlCnlNum)
	}

	var outCmdNum uint16
	outData := append([]byte(nil), data...)
	if cnl.FormulaUsed {
		s.eval.Cur.Lock()
		switch cnl.CmdType {
		case channel.CmdTypeBinary:
			bin, err := s.calc.CalcCtrlBinary(ctrlCnlNum, s.eval.Cur)
			s.eval.Cur.Unlock()
			if err != nil {
				return statusInternal, nil
			}
			outData = bin
		default:
			val, err := s.calc.CalcCtrlNumeric(ctrlCnlNum, s.eval.Cur)
			s.eval.Cur.Unlock()
			if err != nil {
				return statusInternal, nil
			}
			outCmdNum = uint16(val)
		}
	}

	passToClients := true
	if s.hooks != nil {
		s.hooks.OnCommandReceived(ctrlCnlNum, outData, sess.userID, &passToClients)
	}
	if passToClients {
		s.broadcastTU(queuedCommand{
			kpNum:    cnl.KPNum,
			cmdType:  uint8(cnl.CmdType),
			cmdNum:   outCmdNum,
			data:     outData,
			queuedAt: time.Now(),
		}, sess)
	}
	return statusOK, nil
}

func (s *Server) handlePollCommand(sess *session) (byte, []byte) {
	cmd, ok := sess.popCommand()
	w := &responseWriter{}
	if !ok {
		w.u8(0)
		return statusOK, w.buf
	}
	w.u8(1)
	w.u16(cmd.kpNum)
	w.u8(cmd.cmdType)
	w.u16(cmd.cmdNum)
	w.u8(uint8(len(cmd.data)))
	w.bytes(cmd.data)
	return statusOK, w.buf
}

func (s *Server) handleCheckEvent(sess *session, payload []byte) (byte, []byte) {
	p := newPayloadReader(payload)
	_, err := p.u16() // user_id: consumed to stay in sync, sess.userID is authoritative
	if err != nil {
		return statusBadRequest, nil
	}
	y, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	m, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	d, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	evNum, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}

	day := ymdDayString(y, m, d)
	if err := s.eval.Writer.CheckEvent(day, int(evNum), sess.userID); err != nil {
		if os.IsNotExist(err) {
			return statusNotFound, nil
		}
		cclog.Errorf("[TCP]> check_event: %s", err)
		return statusInternal, nil
	}
	if s.hooks != nil {
		s.hooks.OnEventChecked(day, int(evNum), sess.userID)
	}
	return statusOK, nil
}
