// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tcpserver implements the TCP protocol server (spec §4.8,
// component H): a single accept/dispatch loop serving every connected
// client round-robin, framing commands per spec §6 and enforcing the
// role-based command permissions from spec §5.
package tcpserver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/rtscada/scada-server/internal/scadaerr"
)

// Command bytes from spec §6.
const (
	cmdAuthenticate   = 0x01
	cmdPing           = 0x02
	cmdWriteCurrent   = 0x03
	cmdWriteArchive   = 0x04
	cmdWriteEvent     = 0x05
	cmdCommandTU      = 0x06
	cmdPollCommand    = 0x07
	cmdOpenReadFile   = 0x08
	cmdFileSeek       = 0x09
	cmdReadFile       = 0x0A
	cmdCloseFile      = 0x0B
	cmdFileMtimes     = 0x0C
	cmdSnapshotQuery  = 0x0D
	cmdCheckEvent     = 0x0E
)

// Directory ids from spec §6. dirCopyBit, ORed in, selects the mirrored
// "copy" directory instead of the primary one.
const (
	dirCurrent   = 0x01
	dirHour      = 0x02
	dirMinute    = 0x03
	dirEvents    = 0x04
	dirBase      = 0x05
	dirInterface = 0x06
	dirCopyBit   = 0x80
)

// bannerAck is the 5-byte banner sent immediately on accept: a fixed
// 0x05 0x00 0x00 header followed by the two application version bytes.
func bannerAck(verLo, verHi uint8) []byte {
	return []byte{0x05, 0x00, 0x00, verLo, verHi}
}

// frame is one decoded request: its command byte and payload. Command
// 0x0D alone carries a u32 length prefix on the wire (spec §4.8); every
// other command uses u16. In both cases length counts the whole frame,
// including the length field itself (spec §6: payload is length-3 bytes
// for the u16 case, i.e. 2 length bytes + 1 cmd byte + (length-3)
// payload == length bytes total; the u32 case is the same shape with a
// 4-byte length field, so payload is length-5 bytes).
type frame struct {
	cmd     byte
	payload []byte
}

// readFrame decodes one frame from r. Command 0x0D is the only command
// using a u32 length prefix; every other command uses u16 (spec
// §4.8/§6). The two widths share a cmd byte position (right after the
// length field), so the command can't be known until the length's width
// is already fixed — this is resolved by reading the first two bytes as
// a tentative u16 length and the next byte as a tentative cmd: if that
// byte is 0x0D, the frame is actually u32-length-prefixed (the two bytes
// already read were the low 16 bits of that u32 length, and the supposed
// cmd byte was really the length field's third byte), so one more length
// byte and the real cmd byte are read to complete it.
//
// extendDeadline, if non-nil, is called once the frame's first byte has
// arrived: the caller's short per-iteration poll deadline is meant to
// bound the wait for a frame that hasn't started yet, not a frame
// already in flight, so a confirmed in-progress frame gets a longer
// deadline to finish arriving even if its bytes straddle a poll tick.
func readFrame(r *bufio.Reader, extendDeadline func()) (frame, error) {
	var lenLo [2]byte
	if _, err := io.ReadFull(r, lenLo[:1]); err != nil {
		return frame{}, err
	}
	if extendDeadline != nil {
		extendDeadline()
	}
	if _, err := io.ReadFull(r, lenLo[1:]); err != nil {
		return frame{}, err
	}
	cmdByte, err := r.ReadByte()
	if err != nil {
		return frame{}, err
	}

	var length uint32
	if cmdByte == cmdSnapshotQuery {
		lenByte3 := cmdByte
		lenByte4, err := r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		length = uint32(lenLo[0]) | uint32(lenLo[1])<<8 | uint32(lenByte3)<<16 | uint32(lenByte4)<<24
		cmdByte, err = r.ReadByte()
		if err != nil {
			return frame{}, err
		}
		if length < 5 {
			return frame{}, &scadaerr.ProtocolError{Reason: "frame length shorter than the u32 header"}
		}
		length -= 5
	} else {
		length = uint32(binary.LittleEndian.Uint16(lenLo[:]))
		if length < 3 {
			return frame{}, &scadaerr.ProtocolError{Reason: "frame length shorter than the u16 header"}
		}
		length -= 3
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, err
		}
	}
	return frame{cmd: cmdByte, payload: payload}, nil
}

// writeFrame encodes resp as a response frame for cmd.
func writeFrame(w io.Writer, cmd byte, resp []byte) error {
	if cmd == cmdSnapshotQuery {
		var buf [5]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(5+len(resp)))
		buf[4] = cmd
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
		_, err := w.Write(resp)
		return err
	}

	total := 3 + len(resp)
	if total > 0xFFFF {
		return fmt.Errorf("tcpserver: response too large for a non-snapshot-query frame (%d bytes)", total)
	}
	var buf [3]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = cmd
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(resp)
	return err
}

// payloadReader wraps a frame's payload with the same get-or-fail
// helpers used throughout, so command handlers read fields without
// repeating bounds checks.
type payloadReader struct {
	buf []byte
	off int
}

func newPayloadReader(b []byte) *payloadReader { return &payloadReader{buf: b} }

func (p *payloadReader) remaining() int { return len(p.buf) - p.off }

func (p *payloadReader) need(n int) error {
	if p.remaining() < n {
		return &scadaerr.ProtocolError{Reason: "payload shorter than the command requires"}
	}
	return nil
}

func (p *payloadReader) u8() (uint8, error) {
	if err := p.need(1); err != nil {
		return 0, err
	}
	v := p.buf[p.off]
	p.off++
	return v, nil
}

func (p *payloadReader) u16() (uint16, error) {
	if err := p.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(p.buf[p.off:])
	p.off += 2
	return v, nil
}

func (p *payloadReader) u32() (uint32, error) {
	if err := p.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v, nil
}

func (p *payloadReader) f64() (float64, error) {
	if err := p.need(8); err != nil {
		return 0, err
	}
	bits := binary.LittleEndian.Uint64(p.buf[p.off:])
	p.off += 8
	return math.Float64frombits(bits), nil
}

func (p *payloadReader) bytes(n int) ([]byte, error) {
	if err := p.need(n); err != nil {
		return nil, err
	}
	b := p.buf[p.off : p.off+n]
	p.off += n
	return b, nil
}

// str reads a u8-length-prefixed string.
func (p *payloadReader) str() (string, error) {
	n, err := p.u8()
	if err != nil {
		return "", err
	}
	b, err := p.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// responseWriter accumulates a response payload with the same
// fixed-width helpers, mirroring payloadReader.
type responseWriter struct {
	buf []byte
}

func (w *responseWriter) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *responseWriter) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *responseWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *responseWriter) f64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf = append(w.buf, b[:]...)
}
func (w *responseWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }
