// Package config parses uhyve-go's environment-variable configuration
// surface (spec §6), adapting the teacher's kong-based CLI
// (flag/runs.go) from flag-driven defaults to env-driven ones.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Env is uhyve-go's environment-variable configuration, populated by
// kong's env tag binding in cmd/uhyve. Field names mirror spec §6
// exactly; only MemSize's raw string form is parsed separately via
// ParseSize, since kong has no built-in size-suffix type.
type Env struct {
	Mem            string `env:"MEM" default:"512M"`
	CPUs           int    `env:"CPUS" default:"1"`
	Verbose        bool   `env:"VERBOSE"`
	NetIf          string `env:"NETIF"`
	IP             string `env:"IP"`
	Gateway        string `env:"GATEWAY"`
	Mask           string `env:"MASK"`
	Mergeable      bool   `env:"MERGEABLE"`
	Hugepage       bool   `env:"HUGEPAGE"`
	Checkpoint     int    `env:"CHECKPOINT"`
	FullCheckpoint bool   `env:"FULLCHECKPOINT"`

	MigrationServer  bool   `env:"MIGRATION_SERVER"`
	MigrationSupport string `env:"MIGRATION_SUPPORT"`
	MigrationParams  string `env:"MIGRATION_PARAMS"`

	Port int `env:"PORT" default:"1234"`
}

var ErrBadSizeSuffix = errors.New("config: size must be num[kKmMgGtTpPeE]")

// ParseSize parses a size string as number[kKmMgGtTpPeE], extending the
// teacher's flag.ParseSize (which stopped at g/m/k) with the
// terabyte/petabyte/exabyte multipliers spec §6's MEM grammar requires.
// unit is the multiplier assumed when s carries no suffix of its own.
func ParseSize(s, unit string) (uint64, error) {
	sz := strings.TrimRight(s, "kKmMgGtTpPeE")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrBadSizeSuffix)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	shift, ok := sizeShift[unit]
	if !ok {
		return 0, fmt.Errorf("%q: %w", s, ErrBadSizeSuffix)
	}

	return amt << shift, nil
}

var sizeShift = map[string]uint{
	"":  0,
	"K": 10, "k": 10,
	"M": 20, "m": 20,
	"G": 30, "g": 30,
	"T": 40, "t": 40,
	"P": 50, "p": 50,
	"E": 60, "e": 60,
}

// NetConfig reports whether networking is enabled (NETIF set) and parses
// the accompanying IPv4 addressing.
func (e *Env) NetConfig() (enabled bool, ip, gateway, mask net.IP, err error) {
	if e.NetIf == "" {
		return false, nil, nil, nil, nil
	}

	ip = net.ParseIP(e.IP)
	gateway = net.ParseIP(e.Gateway)
	mask = net.ParseIP(e.Mask)

	if ip == nil || gateway == nil || mask == nil {
		return false, nil, nil, nil, fmt.Errorf("config: IP=%q GATEWAY=%q MASK=%q must all be valid IPv4", e.IP, e.Gateway, e.Mask)
	}

	return true, ip, gateway, mask, nil
}

// MemSize parses Mem using ParseSize with a default unit of bytes.
func (e *Env) MemSize() (uint64, error) {
	return ParseSize(e.Mem, "")
}

// FileParams holds the plain-text mode:/type:/use-odp:/prefetch: file
// named by MIGRATION_PARAMS, as parsed by ParseMigrationParamsFile.
type FileParams struct {
	Mode     string
	Type     string
	UseODP   bool
	Prefetch bool
}

func ParseMigrationParamsFile(lines []string) (*FileParams, error) {
	p := &FileParams{}

	for _, line := range lines {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "mode":
			p.Mode = val
		case "type":
			p.Type = val
		case "use-odp":
			p.UseODP = val != "0" && val != ""
		case "prefetch":
			p.Prefetch = val != "0" && val != ""
		}
	}

	return p, nil
}
