// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/snapshot"
)

// handleSnapshotQuery implements spec §6's query_snapshot (cmd 0x0D, the
// one command with a 4-byte length prefix already in wire form — see
// readFrame): request is `u8 kind, (u8 y, u8 m, u8 d)?, u16 cnt, cnt×u32
// cnl`; response is `u16 srez_cnt, srez_cnt × (f64 ts, cnt × (f64 val, u16
// stat))`, one row per matching snapshot and one (val, stat) pair per
// requested channel, in request order.
func (s *Server) handleSnapshotQuery(sess *session, payload []byte) (byte, []byte) {
	p := newPayloadReader(payload)
	kind, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}

	var rows []*snapshot.Srez
	switch kind {
	case dirCurrent:
		rows = []*snapshot.Srez{s.eval.Cur.Snapshot()}
	case dirMinute, dirHour:
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
		cache := s.cacheForDir(kind)
		if cache == nil {
			return statusBadRequest, nil
		}
		entry := cache.GetOrLoad(ymdTime(y, m, d))
		if err := entry.Fill(); err != nil {
			return statusInternal, nil
		}
		entry.Lock()
		table := entry.Table.Clone()
		entry.Unlock()
		rows = table.Rows
	default:
		return statusBadRequest, nil
	}

	cnt, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	cnls := make([]channel.CnlNum, cnt)
	for i := range cnls {
		v, err := p.u32()
		if err != nil {
			return statusBadRequest, nil
		}
		cnls[i] = channel.CnlNum(v)
	}

	w := &responseWriter{}
	w.u16(uint16(len(rows)))
	for _, row := range rows {
		w.f64(row.Timestamp)
		for _, cnl := range cnls {
			d, _ := row.Get(cnl)
			w.f64(d.Val)
			w.u16(uint16(d.Stat))
		}
	}
	return statusOK, w.buf
}
