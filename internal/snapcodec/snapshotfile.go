// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapcodec

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/snapshot"
)

var byteOrder = binary.LittleEndian

// recordKind distinguishes a full record (carries its own descriptor)
// from a same-descriptor record (reuses the previous row's channel set),
// per spec §4.1's "archival snapshot file" description.
type recordKind byte

const (
	recordFull recordKind = 0
	recordSame recordKind = 1
)

const (
	hasDescriptorByte byte = 1
	noDescriptorByte  byte = 0
)

// LoadCurrent reads the single-snapshot current-snapshot file
// (cur*.dat). A missing file yields an empty, zero-timestamp snapshot,
// matching load_table's "file does not exist -> empty table" contract.
func LoadCurrent(path string) (*snapshot.Srez, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot.Srez{Desc: snapshot.NewDescriptor(nil)}, nil
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)

	var ts float64
	if err := binary.Read(br, byteOrder, &ts); err != nil {
		return nil, &readError{path, 0, "reading timestamp", err}
	}

	hasDesc, err := br.ReadByte()
	if err != nil {
		return nil, &readError{path, 8, "reading descriptor marker", err}
	}
	if hasDesc != hasDescriptorByte {
		return nil, &readError{path, 8, "current snapshot file missing descriptor marker", nil}
	}

	var cnlCnt uint16
	if err := binary.Read(br, byteOrder, &cnlCnt); err != nil {
		return nil, &readError{path, 9, "reading channel count", err}
	}

	nums := make([]channel.CnlNum, cnlCnt)
	data := make([]channel.Data, cnlCnt)
	for i := range int(cnlCnt) {
		var cnlNum uint32
		if err := binary.Read(br, byteOrder, &cnlNum); err != nil {
			return nil, &readError{path, -1, "reading channel number", err}
		}
		var val float64
		if err := binary.Read(br, byteOrder, &val); err != nil {
			return nil, &readError{path, -1, "reading value", err}
		}
		var stat uint16
		if err := binary.Read(br, byteOrder, &stat); err != nil {
			return nil, &readError{path, -1, "reading status", err}
		}
		nums[i] = channel.CnlNum(cnlNum)
		data[i] = channel.Data{Val: val, Stat: channel.Stat(stat)}
	}

	return &snapshot.Srez{
		Timestamp: ts,
		Desc:      snapshot.NewDescriptor(nums),
		CnlData:   data,
	}, nil
}

// SaveCurrent writes s as the single-snapshot current-snapshot file,
// atomically (write-to-temp + rename), as spec §4.1 requires for
// save_table.
func SaveCurrent(path string, s *snapshot.Srez) error {
	return atomicWrite(path, func(w io.Writer) error {
		if err := binary.Write(w, byteOrder, s.Timestamp); err != nil {
			return err
		}
		if _, err := w.Write([]byte{hasDescriptorByte}); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint16(len(s.Desc.CnlNums))); err != nil {
			return err
		}
		for i, n := range s.Desc.CnlNums {
			if err := binary.Write(w, byteOrder, uint32(n)); err != nil {
				return err
			}
			if err := binary.Write(w, byteOrder, s.CnlData[i].Val); err != nil {
				return err
			}
			if err := binary.Write(w, byteOrder, uint16(s.CnlData[i].Stat)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadTable reads a daily archival snapshot table (m<yy><mm><dd>.dat or
// h<yy><mm><dd>.dat). A missing file yields an empty table. A record that
// fails its descriptor-CRC or length check stops the read there: the
// offending record is skipped and the file is treated as ending at the
// last valid record (spec §7, FormatError).
func LoadTable(path string) (*snapshot.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot.Table{}, nil
		}
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	table := &snapshot.Table{}
	var prevDesc *snapshot.Descriptor

	for {
		kindByte, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			cclog.Warnf("[SNAPCODEC]> %s: truncated record header, stopping read: %s", path, err)
			break
		}

		row, desc, err := readRecord(br, recordKind(kindByte), prevDesc)
		if err != nil {
			cclog.Warnf("[SNAPCODEC]> %s: %s, stopping read at last valid record", path, err)
			break
		}
		prevDesc = desc
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func readRecord(br *bufio.Reader, kind recordKind, prevDesc *snapshot.Descriptor) (*snapshot.Srez, *snapshot.Descriptor, error) {
	var ts float64
	if err := binary.Read(br, byteOrder, &ts); err != nil {
		return nil, nil, fmt.Errorf("reading timestamp: %w", err)
	}

	switch kind {
	case recordFull:
		var cnlCnt uint16
		if err := binary.Read(br, byteOrder, &cnlCnt); err != nil {
			return nil, nil, fmt.Errorf("reading channel count: %w", err)
		}
		var crc uint32
		if err := binary.Read(br, byteOrder, &crc); err != nil {
			return nil, nil, fmt.Errorf("reading descriptor crc: %w", err)
		}
		nums := make([]channel.CnlNum, cnlCnt)
		for i := range int(cnlCnt) {
			var n uint32
			if err := binary.Read(br, byteOrder, &n); err != nil {
				return nil, nil, fmt.Errorf("reading channel number: %w", err)
			}
			nums[i] = channel.CnlNum(n)
		}
		desc := snapshot.NewDescriptor(nums)
		if desc.CRC != crc {
			return nil, nil, fmt.Errorf("descriptor crc mismatch (stored %d, computed %d)", crc, desc.CRC)
		}
		data, err := readValues(br, int(cnlCnt))
		if err != nil {
			return nil, nil, err
		}
		return &snapshot.Srez{Timestamp: ts, Desc: desc, CnlData: data}, &desc, nil

	case recordSame:
		if prevDesc == nil {
			return nil, nil, fmt.Errorf("same-descriptor record with no preceding full record")
		}
		data, err := readValues(br, len(prevDesc.CnlNums))
		if err != nil {
			return nil, nil, err
		}
		return &snapshot.Srez{Timestamp: ts, Desc: *prevDesc, CnlData: data}, prevDesc, nil

	default:
		return nil, nil, fmt.Errorf("unknown record kind %d", kind)
	}
}

func readValues(br *bufio.Reader, n int) ([]channel.Data, error) {
	data := make([]channel.Data, n)
	for i := range n {
		var val float64
		if err := binary.Read(br, byteOrder, &val); err != nil {
			return nil, fmt.Errorf("reading value %d: %w", i, err)
		}
		var stat uint16
		if err := binary.Read(br, byteOrder, &stat); err != nil {
			return nil, fmt.Errorf("reading status %d: %w", i, err)
		}
		data[i] = channel.Data{Val: val, Stat: channel.Stat(stat)}
	}
	return data, nil
}

// SaveTable writes a daily archival snapshot table atomically. Each row
// writes a full record only when its descriptor differs from the
// previous row's (by CRC); otherwise it writes a same-descriptor record
// carrying only values, matching spec §4.1's space-saving format.
func SaveTable(path string, table *snapshot.Table) error {
	return atomicWrite(path, func(w io.Writer) error {
		var prevDesc *snapshot.Descriptor
		for _, row := range table.Rows {
			full := prevDesc == nil || !prevDesc.Equal(row.Desc)
			if full {
				if err := writeRecord(w, row, true); err != nil {
					return err
				}
				d := row.Desc
				prevDesc = &d
			} else {
				if err := writeRecord(w, row, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func writeRecord(w io.Writer, row *snapshot.Srez, full bool) error {
	kind := recordSame
	if full {
		kind = recordFull
	}
	if _, err := w.Write([]byte{byte(kind)}); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, row.Timestamp); err != nil {
		return err
	}
	if full {
		if err := binary.Write(w, byteOrder, uint16(len(row.Desc.CnlNums))); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, row.Desc.CRC); err != nil {
			return err
		}
		for _, n := range row.Desc.CnlNums {
			if err := binary.Write(w, byteOrder, uint32(n)); err != nil {
				return err
			}
		}
	}
	for _, d := range row.CnlData {
		if err := binary.Write(w, byteOrder, d.Val); err != nil {
			return err
		}
		if err := binary.Write(w, byteOrder, uint16(d.Stat)); err != nil {
			return err
		}
	}
	return nil
}

// atomicWrite writes through a temp file in the same directory and
// renames it into place, the write-to-temp + rename pattern spec §4.1
// requires for save_table.
func atomicWrite(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type readError struct {
	path   string
	offset int64
	reason string
	err    error
}

func (e *readError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s", e.path, e.reason, e.err)
	}
	return fmt.Sprintf("%s: %s", e.path, e.reason)
}

func (e *readError) Unwrap() error { return e.err }
