// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/rtscada/scada-server/internal/auth"
	"github.com/rtscada/scada-server/internal/calc"
	"github.com/rtscada/scada-server/internal/channel"
	"github.com/rtscada/scada-server/internal/scadaerr"
)

// Fixed-size string fields the four base tables use. A formula is stored
// in a fixed byte slot rather than length-prefixed so a table's row size
// is constant and seekable, matching the fixed-record convention
// internal/snapcodec/eventfile.go uses for the event log.
const (
	formulaFieldLen = 256
	nameFieldLen    = 64
	hashFieldLen    = 64
)

// tableHeader precedes every base file: rowCount rows of rowSize bytes
// each. A newer writer may emit a rowSize larger than this loader knows
// about (extra trailing columns appended at the end of the row); those
// extra bytes are simply skipped, which is how the format tolerates
// additive schema changes without a version bump.
type tableHeader struct {
	RowCount uint32
	RowSize  uint16
}

func readHeader(r io.Reader) (tableHeader, error) {
	var h tableHeader
	err := binary.Read(r, binary.LittleEndian, &h)
	return h, err
}

// readTable reads a base file's header then rowCount rows of the
// declared rowSize, handing each row's first knownRowSize bytes (the
// fields this build understands) to decode and discarding any trailing
// columns beyond that.
func readTable(path string, knownRowSize int, decode func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return &scadaerr.ConfigError{Reason: err.Error()}
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return &scadaerr.ConfigError{Reason: "reading header of " + path + ": " + err.Error()}
	}
	if int(h.RowSize) < knownRowSize {
		return &scadaerr.ConfigError{Reason: path + ": row size too small for known fields"}
	}

	row := make([]byte, h.RowSize)
	for i := uint32(0); i < h.RowCount; i++ {
		if _, err := io.ReadFull(f, row); err != nil {
			return &scadaerr.ConfigError{Reason: path + ": short row: " + err.Error()}
		}
		if err := decode(row[:knownRowSize]); err != nil {
			return &scadaerr.ConfigError{Reason: path + ": " + err.Error()}
		}
	}
	return nil
}

func trimZero(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// Base holds everything LoadBase parses out of the configuration base
// directory, ready to feed calc.Compile, evaluator.New and auth.NewStore.
type Base struct {
	InCnls   []*channel.InCnl
	CtrlCnls []*channel.CtrlCnl
	Creds    []auth.Credentials
	AuxForms []calc.AuxFormula
}

// incnl.dat row: cnlNum(2) type(1) objNum(4) kpNum(2) paramID(2)
// formulaUsed(1) formula(256) averaging(1) evEnabled(1) evOnChange(1)
// evOnUndef(1) limLowCrash(8) limLow(8) limHigh(8) limHighCrash(8)
const incnlRowSize = 2 + 1 + 4 + 2 + 2 + 1 + formulaFieldLen + 1 + 1 + 1 + 1 + 8*4

func decodeInCnl(row []byte) (*channel.InCnl, error) {
	r := bytes.NewReader(row)
	var cnlNum uint16
	var typ, formulaUsed, averaging, evEnabled, evOnChange, evOnUndef uint8
	var objNum uint32
	var kpNum, paramID uint16

	binary.Read(r, binary.LittleEndian, &cnlNum)
	binary.Read(r, binary.LittleEndian, &typ)
	binary.Read(r, binary.LittleEndian, &objNum)
	binary.Read(r, binary.LittleEndian, &kpNum)
	binary.Read(r, binary.LittleEndian, &paramID)
	binary.Read(r, binary.LittleEndian, &formulaUsed)

	formulaBuf := make([]byte, formulaFieldLen)
	io.ReadFull(r, formulaBuf)

	binary.Read(r, binary.LittleEndian, &averaging)
	binary.Read(r, binary.LittleEndian, &evEnabled)
	binary.Read(r, binary.LittleEndian, &evOnChange)
	binary.Read(r, binary.LittleEndian, &evOnUndef)

	var limLowCrash, limLow, limHigh, limHighCrash float64
	binary.Read(r, binary.LittleEndian, &limLowCrash)
	binary.Read(r, binary.LittleEndian, &limLow)
	binary.Read(r, binary.LittleEndian, &limHigh)
	binary.Read(r, binary.LittleEndian, &limHighCrash)

	return &channel.InCnl{
		CnlNum:      channel.CnlNum(cnlNum),
		Type:        channel.CnlType(typ),
		ObjNum:      objNum,
		KPNum:       kpNum,
		ParamID:     paramID,
		FormulaUsed: formulaUsed != 0,
		Formula:     trimZero(formulaBuf),
		Averaging:   averaging != 0,
		EvEnabled:   evEnabled != 0,
		EvOnChange:  evOnChange != 0,
		EvOnUndef:   evOnUndef != 0,
		LimLowCrash:  limLowCrash,
		LimLow:       limLow,
		LimHigh:      limHigh,
		LimHighCrash: limHighCrash,
	}, nil
}

// ctrlcnl.dat row: ctrlCnlNum(2) cmdType(1) objNum(4) kpNum(2) cmdNum(2)
// formulaUsed(1) formula(256) evEnabled(1)
const ctrlCnlRowSize = 2 + 1 + 4 + 2 + 2 + 1 + formulaFieldLen + 1

func decodeCtrlCnl(row []byte) (*channel.CtrlCnl, error) {
	r := bytes.NewReader(row)
	var ctrlCnlNum uint16
	var cmdType, formulaUsed, evEnabled uint8
	var objNum uint32
	var kpNum, cmdNum uint16

	binary.Read(r, binary.LittleEndian, &ctrlCnlNum)
	binary.Read(r, binary.LittleEndian, &cmdType)
	binary.Read(r, binary.LittleEndian, &objNum)
	binary.Read(r, binary.LittleEndian, &kpNum)
	binary.Read(r, binary.LittleEndian, &cmdNum)
	binary.Read(r, binary.LittleEndian, &formulaUsed)

	formulaBuf := make([]byte, formulaFieldLen)
	io.ReadFull(r, formulaBuf)

	binary.Read(r, binary.LittleEndian, &evEnabled)

	return &channel.CtrlCnl{
		CtrlCnlNum:  ctrlCnlNum,
		CmdType:     channel.CmdType(cmdType),
		ObjNum:      objNum,
		KPNum:       kpNum,
		CmdNum:      cmdNum,
		FormulaUsed: formulaUsed != 0,
		Formula:     trimZero(formulaBuf),
		EvEnabled:   evEnabled != 0,
	}, nil
}

// user.dat row: userName(64) passwordHash(64) role(1)
const userRowSize = nameFieldLen + hashFieldLen + 1

func decodeUser(row []byte) (auth.Credentials, error) {
	name := trimZero(row[:nameFieldLen])
	hash := trimZero(row[nameFieldLen : nameFieldLen+hashFieldLen])
	role := auth.Role(row[nameFieldLen+hashFieldLen])
	return auth.Credentials{UserName: name, PasswordHash: hash, Role: role}, nil
}

// formula.dat row: name(64) formula(256) — named auxiliary formulas
// referenced by channel/control formulas via the Aux map (internal/calc).
const auxFormulaRowSize = nameFieldLen + formulaFieldLen

func decodeAuxFormula(row []byte) (calc.AuxFormula, error) {
	name := trimZero(row[:nameFieldLen])
	formula := trimZero(row[nameFieldLen : nameFieldLen+formulaFieldLen])
	return calc.AuxFormula{Name: name, Formula: formula}, nil
}

// LoadBase reads incnl.dat, ctrlcnl.dat, user.dat and formula.dat out of
// dir. Any missing or malformed file is a ConfigError (spec §4: the
// configuration base is fatal at startup, unlike a snapshot/event
// FormatError which only drops one record).
func LoadBase(dir string) (*Base, error) {
	b := &Base{}

	if err := readTable(filepath.Join(dir, "incnl.dat"), incnlRowSize, func(row []byte) error {
		cnl, err := decodeInCnl(row)
		if err != nil {
			return err
		}
		b.InCnls = append(b.InCnls, cnl)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readTable(filepath.Join(dir, "ctrlcnl.dat"), ctrlCnlRowSize, func(row []byte) error {
		cnl, err := decodeCtrlCnl(row)
		if err != nil {
			return err
		}
		b.CtrlCnls = append(b.CtrlCnls, cnl)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readTable(filepath.Join(dir, "user.dat"), userRowSize, func(row []byte) error {
		c, err := decodeUser(row)
		if err != nil {
			return err
		}
		b.Creds = append(b.Creds, c)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := readTable(filepath.Join(dir, "formula.dat"), auxFormulaRowSize, func(row []byte) error {
		f, err := decodeAuxFormula(row)
		if err != nil {
			return err
		}
		b.AuxForms = append(b.AuxForms, f)
		return nil
	}); err != nil {
		return nil, err
	}

	return b, nil
}
