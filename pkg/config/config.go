// Package config loads per-slave target configuration from an INI
// file: the master-side analogue of an ESI/config file, describing the
// ordered PREOP/SAFEOP mailbox writes, PDO/FMMU/DC/watchdog setup that
// pkg/fsm/config.FSM drives a slave towards. Pure data plus parsing;
// nothing here touches the wire.
//
// Grounded on the teacher's EDS import (pkg/od/parser_v1.go's
// gopkg.in/ini.v1 section-regex walk, one section per object
// dictionary entry, indexed sub-entries keyed by a "<index>subN"
// section suffix) and its NodeConfigurator read-then-write helper
// shape (pkg/config/configurator.go), generalized from a CANopen
// object-dictionary import to an EtherCAT slave-lifecycle import.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/ecmaster-go/ethercat/pkg/slave"
)

var (
	slaveSectionRe     = regexp.MustCompile(`^slave\.(\d+)$`)
	sdoSectionRe       = regexp.MustCompile(`^slave\.(\d+)\.sdo\.(\d+)$`)
	soePreopSectionRe  = regexp.MustCompile(`^slave\.(\d+)\.soe_preop\.(\d+)$`)
	soeSafeopSectionRe = regexp.MustCompile(`^slave\.(\d+)\.soe_safeop\.(\d+)$`)
	pdoSMSectionRe     = regexp.MustCompile(`^slave\.(\d+)\.pdo_sm\.(\d+)$`)
	fmmuSectionRe      = regexp.MustCompile(`^slave\.(\d+)\.fmmu\.(\d+)$`)
)

// Store holds the configuration loaded for every slave index named in
// the file, ready to Attach onto a slave.Table.
type Store struct {
	configs map[int]*slave.SlaveConfig
}

// Get returns the configuration loaded for slave index idx, or nil if
// the file named no section for it.
func (s *Store) Get(idx int) *slave.SlaveConfig {
	return s.configs[idx]
}

// Indices returns every slave index the file configured, ascending.
func (s *Store) Indices() []int {
	out := make([]int, 0, len(s.configs))
	for idx := range s.configs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *Store) slave(idx int) *slave.SlaveConfig {
	cfg, ok := s.configs[idx]
	if !ok {
		cfg = &slave.SlaveConfig{}
		s.configs[idx] = cfg
	}
	return cfg
}

// Attach binds every slave in table whose ring position matches a
// loaded index to its configuration (spec.md §9 weak index+generation
// reference), using generation 1 for every attachment — this loader
// reads the file once and does not support hot-reload, so a single
// generation is all that's needed to satisfy the ConfigRef contract.
func (s *Store) Attach(table *slave.Table) {
	for idx, cfg := range s.configs {
		sl, ok := table.ByRingPosition(uint16(idx))
		if !ok {
			continue
		}
		sl.Attach(idx, 1)
		_ = cfg // the FSM reads cfg directly via Store.Get, ConfigRef only marks liveness
	}
}

// Load parses an INI file (path, []byte, io.Reader — anything
// gopkg.in/ini.v1's Load accepts) into a Store.
//
// Section layout, one base section per slave named slave.<index>,
// plus indexed sub-sections for the list-valued fields:
//
//	[slave.0]
//	Watchdog.Divider = 100
//	Watchdog.PDIInterval = 200
//	DC.Cycle0Time = 1000000
//	DC.Cycle1Time = 0
//	DC.ShiftTime = 0
//
//	[slave.0.sdo.0]
//	Index = 0x6060
//	Subindex = 0
//	CompleteAccess = false
//	Data = 0x06
//
//	[slave.0.soe_preop.0]
//	Drive = 0
//	IDN = 100
//	Data = 0x0001
//
//	[slave.0.pdo_sm.0]
//	Index = 2
//	Length = 4
//
//	[slave.0.fmmu.0]
//	LogicalStart = 0x10000
//	Length = 4
//	PhysicalStart = 0x1000
//	Type = outputs
//
// Indexed sub-sections are applied in ascending numeric suffix order,
// independent of their order in the file.
func Load(source any) (*Store, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	s := &Store{configs: make(map[int]*slave.SlaveConfig)}

	for _, sec := range f.Sections() {
		m := slaveSectionRe.FindStringSubmatch(sec.Name())
		if m == nil {
			continue
		}
		cfg := s.slave(mustAtoi(m[1]))
		cfg.Watchdog.Divider = uint16(sec.Key("Watchdog.Divider").MustUint(0))
		cfg.Watchdog.PDIInterval = uint16(sec.Key("Watchdog.PDIInterval").MustUint(0))
		cfg.DCSync.Cycle0Time = uint32(sec.Key("DC.Cycle0Time").MustUint64(0))
		cfg.DCSync.Cycle1Time = uint32(sec.Key("DC.Cycle1Time").MustUint64(0))
		cfg.DCSync.ShiftTime = int32(sec.Key("DC.ShiftTime").MustInt64(0))
	}

	for _, m := range orderedMatches(f, sdoSectionRe) {
		sec := f.Section(m.name)
		data, err := parseHexBytes(sec.Key("Data").String())
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", m.name, err)
		}
		cfg := s.slave(m.slaveIdx)
		cfg.SDOWrites = append(cfg.SDOWrites, slave.SDOWrite{
			Index:          uint16(sec.Key("Index").MustUint(0)),
			Subindex:       uint8(sec.Key("Subindex").MustUint(0)),
			CompleteAccess: sec.Key("CompleteAccess").MustBool(false),
			Data:           data,
		})
	}

	for _, spec := range []struct {
		re      *regexp.Regexp
		collect func(*slave.SlaveConfig, slave.SoEWrite)
	}{
		{soePreopSectionRe, func(c *slave.SlaveConfig, w slave.SoEWrite) { c.SoEPreop = append(c.SoEPreop, w) }},
		{soeSafeopSectionRe, func(c *slave.SlaveConfig, w slave.SoEWrite) { c.SoESafeop = append(c.SoESafeop, w) }},
	} {
		for _, m := range orderedMatches(f, spec.re) {
			sec := f.Section(m.name)
			data, err := parseHexBytes(sec.Key("Data").String())
			if err != nil {
				return nil, fmt.Errorf("config: %s: %w", m.name, err)
			}
			spec.collect(s.slave(m.slaveIdx), slave.SoEWrite{
				DriveNo: uint8(sec.Key("Drive").MustUint(0)),
				IDN:     uint16(sec.Key("IDN").MustUint(0)),
				Data:    data,
			})
		}
	}

	for _, m := range orderedMatches(f, pdoSMSectionRe) {
		sec := f.Section(m.name)
		cfg := s.slave(m.slaveIdx)
		cfg.ProcessDataSMs = append(cfg.ProcessDataSMs, slave.SM{
			Index:  uint8(sec.Key("Index").MustUint(0)),
			Length: uint16(sec.Key("Length").MustUint(0)),
		})
	}

	for _, m := range orderedMatches(f, fmmuSectionRe) {
		sec := f.Section(m.name)
		fmmuType := slave.FMMUOutputs
		if strings.EqualFold(sec.Key("Type").String(), "inputs") {
			fmmuType = slave.FMMUInputs
		}
		cfg := s.slave(m.slaveIdx)
		cfg.FMMUs = append(cfg.FMMUs, slave.FMMUConfig{
			LogicalStart:     uint32(sec.Key("LogicalStart").MustUint64(0)),
			Length:           uint16(sec.Key("Length").MustUint(0)),
			LogicalStartBit:  uint8(sec.Key("LogicalStartBit").MustUint(0)),
			LogicalStopBit:   uint8(sec.Key("LogicalStopBit").MustUint(0)),
			PhysicalStart:    uint16(sec.Key("PhysicalStart").MustUint(0)),
			PhysicalStartBit: uint8(sec.Key("PhysicalStartBit").MustUint(0)),
			Type:             fmmuType,
		})
	}

	return s, nil
}

type sectionMatch struct {
	name     string
	slaveIdx int
	suffix   int
}

// orderedMatches returns every section matching re, sorted first by
// slave index then by the section's numeric suffix, so list-valued
// fields are built in a deterministic order regardless of how the
// sections were laid out in the file.
func orderedMatches(f *ini.File, re *regexp.Regexp) []sectionMatch {
	var out []sectionMatch
	for _, sec := range f.Sections() {
		m := re.FindStringSubmatch(sec.Name())
		if m == nil {
			continue
		}
		out = append(out, sectionMatch{name: sec.Name(), slaveIdx: mustAtoi(m[1]), suffix: mustAtoi(m[2])})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].slaveIdx != out[j].slaveIdx {
			return out[i].slaveIdx < out[j].slaveIdx
		}
		return out[i].suffix < out[j].suffix
	})
	return out
}

func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseHexBytes decodes a "0x"-prefixed, optionally whitespace- or
// comma-separated sequence of hex bytes (e.g. "0x06 0x00" or
// "0x0601"). An empty string yields a nil (zero-length) payload.
func parseHexBytes(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	var out []byte
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 != 0 {
			f = "0" + f
		}
		for i := 0; i < len(f); i += 2 {
			b, err := strconv.ParseUint(f[i:i+2], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid hex byte %q: %w", f[i:i+2], err)
			}
			out = append(out, byte(b))
		}
	}
	return out, nil
}
