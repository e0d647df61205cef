// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package config

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDecodesXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.xml")
	xml := `<ScadaServerSettings>
		<TcpListenAddr>0.0.0.0:10000</TcpListenAddr>
		<Directories><Current>/data/cur</Current><Minute>/data/min</Minute></Directories>
		<Cadence><WriteCurPeriodSec>1</WriteCurPeriodSec><InactiveUnreliableMinutes>5</InactiveUnreliableMinutes></Cadence>
		<Retention><MinuteDays>30</MinuteDays></Retention>
		<ModuleDir>/data/modules</ModuleDir>
		<ColdTier><Enabled>true</Enabled><Bucket>scada-archive</Bucket></ColdTier>
	</ScadaServerSettings>`
	require.NoError(t, os.WriteFile(path, []byte(xml), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:10000", s.TCPListenAddr)
	require.Equal(t, "/data/cur", s.CurDir)
	require.Equal(t, 5.0, s.InactiveUnreliableMin)
	require.Equal(t, 30, s.MinRetentionDays)
	require.True(t, s.ColdTier.Enabled)
	require.Equal(t, "scada-archive", s.ColdTier.Bucket)
}

func TestLoadSettingsMissingFileIsConfigError(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "nope.xml"))
	require.Error(t, err)
}

func putFixed(buf *bytes.Buffer, s string, size int) {
	b := make([]byte, size)
	copy(b, s)
	buf.Write(b)
}

func writeIncnlTable(t *testing.T, path string, rows int) {
	var body bytes.Buffer
	for i := 0; i < rows; i++ {
		binary.Write(&body, binary.LittleEndian, uint16(100+i))
		binary.Write(&body, binary.LittleEndian, uint8(0))
		binary.Write(&body, binary.LittleEndian, uint32(1))
		binary.Write(&body, binary.LittleEndian, uint16(2))
		binary.Write(&body, binary.LittleEndian, uint16(3))
		binary.Write(&body, binary.LittleEndian, uint8(1))
		putFixed(&body, "val = cnl_val(1) * 2", formulaFieldLen)
		binary.Write(&body, binary.LittleEndian, uint8(1)) // averaging
		binary.Write(&body, binary.LittleEndian, uint8(1)) // evEnabled
		binary.Write(&body, binary.LittleEndian, uint8(1)) // evOnChange
		binary.Write(&body, binary.LittleEndian, uint8(0)) // evOnUndef
		binary.Write(&body, binary.LittleEndian, float64(10))
		binary.Write(&body, binary.LittleEndian, float64(20))
		binary.Write(&body, binary.LittleEndian, float64(80))
		binary.Write(&body, binary.LittleEndian, float64(90))
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(rows))
	binary.Write(&out, binary.LittleEndian, uint16(incnlRowSize))
	out.Write(body.Bytes())
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
}

func writeEmptyTable(t *testing.T, path string, rowSize int) {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(0))
	binary.Write(&out, binary.LittleEndian, uint16(rowSize))
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
}

func TestLoadBaseDecodesInCnls(t *testing.T) {
	dir := t.TempDir()
	writeIncnlTable(t, filepath.Join(dir, "incnl.dat"), 2)
	writeEmptyTable(t, filepath.Join(dir, "ctrlcnl.dat"), ctrlCnlRowSize)
	writeEmptyTable(t, filepath.Join(dir, "user.dat"), userRowSize)
	writeEmptyTable(t, filepath.Join(dir, "formula.dat"), auxFormulaRowSize)

	b, err := LoadBase(dir)
	require.NoError(t, err)
	require.Len(t, b.InCnls, 2)
	require.EqualValues(t, 100, b.InCnls[0].CnlNum)
	require.EqualValues(t, 101, b.InCnls[1].CnlNum)
	require.Equal(t, "val = cnl_val(1) * 2", b.InCnls[0].Formula)
	require.True(t, b.InCnls[0].Averaging)
	require.Equal(t, 10.0, b.InCnls[0].LimLowCrash)
	require.Equal(t, 90.0, b.InCnls[0].LimHighCrash)
}

func TestLoadBaseToleratesTrailingColumns(t *testing.T) {
	dir := t.TempDir()

	var body bytes.Buffer
	putFixed(&body, "admin", nameFieldLen)
	putFixed(&body, "$2a$10$fakehash", hashFieldLen)
	binary.Write(&body, binary.LittleEndian, uint8(1)) // Admin role
	body.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})          // trailing columns this loader doesn't know about

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(1))
	binary.Write(&out, binary.LittleEndian, uint16(userRowSize+4))
	out.Write(body.Bytes())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.dat"), out.Bytes(), 0o644))

	writeEmptyTable(t, filepath.Join(dir, "incnl.dat"), incnlRowSize)
	writeEmptyTable(t, filepath.Join(dir, "ctrlcnl.dat"), ctrlCnlRowSize)
	writeEmptyTable(t, filepath.Join(dir, "formula.dat"), auxFormulaRowSize)

	b, err := LoadBase(dir)
	require.NoError(t, err)
	require.Len(t, b.Creds, 1)
	require.Equal(t, "admin", b.Creds[0].UserName)
}

func TestLoadBaseMissingFileIsConfigError(t *testing.T) {
	_, err := LoadBase(t.TempDir())
	require.Error(t, err)
}
