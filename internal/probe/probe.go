package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of a single reachability check.
type Outcome int

const (
	Unreachable Outcome = iota
	Reachable
)

func (o Outcome) String() string {
	if o == Reachable {
		return "reachable"
	}
	return "unreachable"
}

// Prober checks whether one address answers within timeout.
//
// Implementations never report failures as errors: timeouts, DNS failures,
// permission problems and transport errors all collapse to Unreachable.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) Outcome
}

// Func adapts a plain function to the Prober interface.
type Func func(ctx context.Context, address string, timeout time.Duration) Outcome

func (f Func) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	return f(ctx, address, timeout)
}

const (
	MethodICMP = "icmp"
	MethodTCP  = "tcp"
	MethodSNMP = "snmp"
)

type Options struct {
	Method string
	// DNSServer, when set, routes hostname resolution through this nameserver ("host:port").
	DNSServer string
	TCPPort   uint16
	SNMP      SNMPConfig
}

// New builds the prober selected by opts.Method.
func New(opts Options) (Prober, error) {
	var p Prober
	switch strings.ToLower(strings.TrimSpace(opts.Method)) {
	case "", MethodICMP:
		p = NewICMPProber()
	case MethodTCP:
		p = NewTCPProber(opts.TCPPort)
	case MethodSNMP:
		p = NewSNMPProber(opts.SNMP)
	default:
		return nil, fmt.Errorf("unknown probe method %q", opts.Method)
	}

	if s := strings.TrimSpace(opts.DNSServer); s != "" {
		p = &ResolvingProber{Resolver: NewResolver(s), Next: p}
	}
	return p, nil
}
