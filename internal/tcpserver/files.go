// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpserver

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rtscada/scada-server/internal/snapcache"
	"github.com/rtscada/scada-server/internal/snapcodec"
)

// ymdDayString renders the yymmdd day-string snapcodec's file names use
// from the protocol's 3-byte (y, m, d) date encoding (spec §6: 2-digit
// year, matching the yy of the m/h/e file names).
func ymdDayString(y, m, d uint8) string {
	return fmt.Sprintf("%02d%02d%02d", y, m, d)
}

func ymdTime(y, m, d uint8) time.Time {
	return time.Date(2000+int(y), time.Month(m), int(d), 0, 0, 0, 0, time.UTC)
}

// dirPath resolves a protocol directory id (spec §6, including the
// 0x80|x mirrored-copy bit) to the configured filesystem directory.
func (s *Server) dirPath(dirID uint8) (string, bool) {
	copySet := dirID&dirCopyBit != 0
	base := dirID &^ dirCopyBit
	d := s.cfg.Dirs
	switch base {
	case dirCurrent:
		if copySet {
			return d.CurrentCopy, d.CurrentCopy != ""
		}
		return d.Current, true
	case dirHour:
		if copySet {
			return d.HourCopy, d.HourCopy != ""
		}
		return d.Hour, true
	case dirMinute:
		if copySet {
			return d.MinuteCopy, d.MinuteCopy != ""
		}
		return d.Minute, true
	case dirEvents:
		if copySet {
			return d.EventsCopy, d.EventsCopy != ""
		}
		return d.Events, true
	case dirBase:
		if copySet {
			return d.BaseCopy, d.BaseCopy != ""
		}
		return d.Base, true
	case dirInterface:
		if copySet {
			return d.InterfaceCopy, d.InterfaceCopy != ""
		}
		return d.Interface, true
	default:
		return "", false
	}
}

// cacheForDir resolves a snapshot-query kind byte to the corresponding
// minute/hour table cache; dirCurrent and the mirrored-copy bit have no
// table cache and resolve to nil.
func (s *Server) cacheForDir(dirID uint8) *snapcache.Cache {
	switch dirID {
	case dirMinute:
		return s.minCache
	case dirHour:
		return s.hourCache
	default:
		return nil
	}
}

// safeName rejects a client-supplied file name that tries to escape the
// resolved directory.
func safeName(name string) bool {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return false
	}
	return true
}

// handleOpenReadFile implements spec §6's open+read (cmd 0x08): open the
// named file and perform the initial read in one round trip.
func (s *Server) handleOpenReadFile(sess *session, payload []byte) (byte, []byte) {
	p := newPayloadReader(payload)
	dirID, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	name, err := p.str()
	if err != nil {
		return statusBadRequest, nil
	}
	count, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}
	if !safeName(name) {
		return statusBadRequest, nil
	}
	dir, ok := s.dirPath(dirID)
	if !ok {
		return statusNotFound, nil
	}

	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return statusNotFound, nil
		}
		return statusInternal, nil
	}

	buf := make([]byte, count)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return statusInternal, nil
	}

	sess.closeFile()
	sess.openFile = f
	sess.openFileID = path

	w := &responseWriter{}
	w.u16(uint16(n))
	w.bytes(buf[:n])
	return statusOK, w.buf
}

// handleFileSeek implements spec §6's file seek (cmd 0x09): origin maps
// directly onto io.Seeker's whence (0=Start, 1=Current, 2=End).
func (s *Server) handleFileSeek(sess *session, payload []byte) (byte, []byte) {
	if sess.openFile == nil {
		return statusBadRequest, nil
	}
	p := newPayloadReader(payload)
	origin, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}
	offset, err := p.u32()
	if err != nil {
		return statusBadRequest, nil
	}
	pos, err := sess.openFile.Seek(int64(offset), int(origin))
	if err != nil {
		return statusInternal, nil
	}
	w := &responseWriter{}
	w.u32(uint32(pos))
	return statusOK, w.buf
}

func (s *Server) handleReadFile(sess *session, payload []byte) (byte, []byte) {
	if sess.openFile == nil {
		return statusBadRequest, nil
	}
	p := newPayloadReader(payload)
	maxLen, err := p.u16()
	if err != nil {
		return statusBadRequest, nil
	}

	buf := make([]byte, maxLen)
	n, err := sess.openFile.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return statusInternal, nil
	}

	w := &responseWriter{}
	w.u16(uint16(n))
	w.bytes(buf[:n])
	return statusOK, w.buf
}

// handleFileMtimes implements spec §6's file mtimes (cmd 0x0C): each
// entry names its own directory, and the response is a plain list of
// spreadsheet-style timestamps (snapcodec.EncodeTimestamp), the same
// encoding used everywhere else on the wire. A missing file or an unsafe
// name reports the zero timestamp — there is no separate found flag.
func (s *Server) handleFileMtimes(sess *session, payload []byte) (byte, []byte) {
	p := newPayloadReader(payload)
	n, err := p.u8()
	if err != nil {
		return statusBadRequest, nil
	}

	w := &responseWriter{}
	for i := 0; i < int(n); i++ {
		dirID, err := p.u8()
		if err != nil {
			return statusBadRequest, nil
		}
		name, err := p.str()
		if err != nil {
			return statusBadRequest, nil
		}

		dir, ok := s.dirPath(dirID)
		if !ok || !safeName(name) {
			w.f64(0)
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			w.f64(0)
			continue
		}
		w.f64(snapcodec.EncodeTimestamp(fi.ModTime()))
	}
	return statusOK, w.buf
}
