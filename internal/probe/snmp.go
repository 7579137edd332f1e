package probe

import (
	"context"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

const oidSysUpTime0 = "1.3.6.1.2.1.1.3.0"

// SNMPConfig describes how SNMP probes reach an agent.
type SNMPConfig struct {
	Community string
	Version   string // "2c" (default) | "1"
	Port      uint16
	Retries   int
}

// SNMPProber reads sysUpTime.0; any response PDU means the agent is alive.
type SNMPProber struct {
	cfg SNMPConfig
}

func NewSNMPProber(cfg SNMPConfig) *SNMPProber {
	if strings.TrimSpace(cfg.Community) == "" {
		cfg.Community = "public"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "2c"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &SNMPProber{cfg: cfg}
}

func (p *SNMPProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = time.Second
	}

	var version gosnmp.SnmpVersion
	switch strings.ToLower(strings.TrimSpace(p.cfg.Version)) {
	case "1", "v1":
		version = gosnmp.Version1
	case "2c", "v2c":
		version = gosnmp.Version2c
	default:
		return Unreachable
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := &gosnmp.GoSNMP{
		Context:   probeCtx,
		Target:    strings.TrimSpace(address),
		Port:      p.cfg.Port,
		Community: p.cfg.Community,
		Version:   version,
		// Split the budget across attempts so retries never exceed timeout.
		Timeout: timeout / time.Duration(p.cfg.Retries+1),
		Retries: p.cfg.Retries,
	}
	if err := s.Connect(); err != nil {
		return Unreachable
	}
	defer s.Conn.Close()

	pkt, err := s.Get([]string{oidSysUpTime0})
	if err != nil || pkt == nil {
		return Unreachable
	}
	if pkt.Error != gosnmp.NoError {
		return Unreachable
	}
	return Reachable
}
