// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapcodec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/events"
)

// EventRecordSize is the fixed size of one event record, chosen so
// check_event can seek directly to the n-th record (spec §4.1: "an
// append-only sequence of fixed-size event records").
//
//	ts(8) objNum(4) kpNum(2) paramID(2) cnlNum(4) oldVal(8) oldStat(2)
//	newVal(8) newStat(2) checked(1) userID(4) descr(64) data(128)
const EventRecordSize = 8 + 4 + 2 + 2 + 4 + 8 + 2 + 8 + 2 + 1 + 4 + events.DescrMaxLen + events.DataMaxLen

// checkedOffset and userIDOffset are the byte offsets of the two fields
// check_event updates in place.
const (
	checkedOffset = 8 + 4 + 2 + 2 + 4 + 8 + 2 + 8 + 2
	userIDOffset  = checkedOffset + 1
)

// AppendEvent appends ev to the event file at path, creating it (and its
// directory) if necessary. Spec §4.1: "O(1) append with flush".
func AppendEvent(path string, ev *events.Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, EventRecordSize)
	encodeEvent(buf, ev)

	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

func encodeEvent(buf []byte, ev *events.Event) {
	o := 0
	put64 := func(v float64) {
		binary.LittleEndian.PutUint64(buf[o:], math.Float64bits(v))
		o += 8
	}
	put32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[o:], v); o += 4 }
	put16 := func(v uint16) { binary.LittleEndian.PutUint16(buf[o:], v); o += 2 }

	put64(ev.Timestamp)
	put32(ev.ObjNum)
	put16(ev.KPNum)
	put16(ev.ParamID)
	put32(uint32(ev.CnlNum))
	put64(ev.OldVal)
	put16(uint16(ev.OldStat))
	put64(ev.NewVal)
	put16(uint16(ev.NewStat))
	if ev.Checked {
		buf[o] = 1
	} else {
		buf[o] = 0
	}
	o++
	put32(ev.UserID)

	descr := []byte(ev.Descr)
	if len(descr) > events.DescrMaxLen {
		descr = descr[:events.DescrMaxLen]
	}
	copy(buf[o:o+events.DescrMaxLen], descr)
	o += events.DescrMaxLen

	data := ev.Data
	if len(data) > events.DataMaxLen {
		data = data[:events.DataMaxLen]
	}
	copy(buf[o:o+events.DataMaxLen], data)
}

func decodeEvent(buf []byte) *events.Event {
	o := 0
	get64 := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[o:]))
		o += 8
		return v
	}
	get32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[o:]); o += 4; return v }
	get16 := func() uint16 { v := binary.LittleEndian.Uint16(buf[o:]); o += 2; return v }

	ev := &events.Event{}
	ev.Timestamp = get64()
	ev.ObjNum = get32()
	ev.KPNum = get16()
	ev.ParamID = get16()
	ev.CnlNum = channel.CnlNum(get32())
	ev.OldVal = get64()
	ev.OldStat = channel.Stat(get16())
	ev.NewVal = get64()
	ev.NewStat = channel.Stat(get16())
	ev.Checked = buf[o] != 0
	o++
	ev.UserID = get32()

	descrEnd := o + events.DescrMaxLen
	ev.Descr = trimTrailingZero(buf[o:descrEnd])
	o = descrEnd

	dataEnd := o + events.DataMaxLen
	ev.Data = append([]byte(nil), trimTrailingZeroBytes(buf[o:dataEnd])...)

	return ev
}

func trimTrailingZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func trimTrailingZeroBytes(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// LoadEvents reads every complete record from the event file at path. A
// trailing partial record (fewer than EventRecordSize bytes remaining,
// the signature of a crash mid-append) is discarded silently, matching
// spec §4.1's crash-safety requirement.
func LoadEvents(path string) ([]*events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []*events.Event
	buf := make([]byte, EventRecordSize)
	for {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Partial trailing record: a crash happened mid-append.
			break
		}
		if err != nil {
			return nil, err
		}
		if n != EventRecordSize {
			break
		}
		out = append(out, decodeEvent(buf))
	}
	return out, nil
}

// CheckEvent flips the checked flag and user_id of the ev_num-th record
// (0-indexed) in place, without rewriting the rest of the file. Spec
// §4.1/§8: "changes exactly one record's checked flag".
func CheckEvent(path string, evNum int, userID uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	recordOffset := int64(evNum) * int64(EventRecordSize)
	fieldOffset := recordOffset + int64(checkedOffset)

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if recordOffset < 0 || recordOffset+int64(EventRecordSize) > fi.Size() {
		return fmt.Errorf("snapcodec: event %d out of range in %s", evNum, path)
	}

	field := make([]byte, 1+4)
	field[0] = 1
	binary.LittleEndian.PutUint32(field[1:], userID)

	if _, err := f.WriteAt(field, fieldOffset); err != nil {
		return err
	}
	return f.Sync()
}
