// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config implements the configuration loader (spec §4, component
// J): the XML settings file and the binary configuration base
// (incnl.dat, ctrlcnl.dat, user.dat, formula.dat).
package config

import (
	"encoding/xml"
	"os"

	"github.com/rtscada/scada-server/internal/scadaerr"
)

// Settings is the flat settings document decoded from the server's XML
// configuration file, one field per documented setting — the same flat
// shape cmd/cc-backend/main.go decodes its ProgramConfig into, just XML
// instead of JSON since no third-party XML templating library appears
// anywhere in the retrieved corpus (see DESIGN.md).
type Settings struct {
	XMLName xml.Name `xml:"ScadaServerSettings"`

	TCPListenAddr string `xml:"TcpListenAddr"`
	AppVerLo      uint8  `xml:"AppVerLo"`
	AppVerHi      uint8  `xml:"AppVerHi"`

	CurDir       string `xml:"Directories>Current"`
	MinDir       string `xml:"Directories>Minute"`
	HourDir      string `xml:"Directories>Hour"`
	EventDir     string `xml:"Directories>Events"`
	BaseDir      string `xml:"Directories>Base"`
	InterfaceDir string `xml:"Directories>Interface"`

	CurCopyDir       string `xml:"CopyDirectories>Current"`
	MinCopyDir       string `xml:"CopyDirectories>Minute"`
	HourCopyDir      string `xml:"CopyDirectories>Hour"`
	EventCopyDir     string `xml:"CopyDirectories>Events"`
	BaseCopyDir      string `xml:"CopyDirectories>Base"`
	InterfaceCopyDir string `xml:"CopyDirectories>Interface"`

	WriteCurPeriodSec    int  `xml:"Cadence>WriteCurPeriodSec"`
	WriteCurOnModify     bool `xml:"Cadence>WriteCurOnModify"`
	WriteMinPeriodSec    int  `xml:"Cadence>WriteMinPeriodSec"`
	WriteHourPeriodSec   int  `xml:"Cadence>WriteHourPeriodSec"`
	InactiveUnreliableMin float64 `xml:"Cadence>InactiveUnreliableMinutes"`

	MinRetentionDays   int `xml:"Retention>MinuteDays"`
	HourRetentionDays  int `xml:"Retention>HourDays"`
	EventRetentionDays int `xml:"Retention>EventDays"`

	ModuleDir string `xml:"ModuleDir"`

	HealthListenAddr string `xml:"HealthListenAddr"`

	ColdTier ColdTierSettings `xml:"ColdTier"`
}

// ColdTierSettings configures the optional S3 upload-before-delete step
// the retention sweep runs (spec §4.6 step 2 supplement).
type ColdTierSettings struct {
	Enabled  bool   `xml:"Enabled"`
	Bucket   string `xml:"Bucket"`
	Region   string `xml:"Region"`
	Prefix   string `xml:"Prefix"`
	Endpoint string `xml:"Endpoint"`
}

// LoadSettings reads and decodes the XML settings file. Missing file or
// malformed XML is a ConfigError: the server cannot start without it.
func LoadSettings(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &scadaerr.ConfigError{Reason: err.Error()}
	}
	defer f.Close()

	var s Settings
	if err := xml.NewDecoder(f).Decode(&s); err != nil {
		return nil, &scadaerr.ConfigError{Reason: "parsing " + path + ": " + err.Error()}
	}
	return &s, nil
}
