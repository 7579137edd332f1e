package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var errNoAddress = errors.New("no address records")

// Resolver looks hostnames up against a fixed nameserver instead of the
// system resolver.
type Resolver struct {
	server string
	client *dns.Client
}

func NewResolver(server string) *Resolver {
	server = strings.TrimSpace(server)
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{
		server: server,
		client: &dns.Client{Timeout: 2 * time.Second},
	}
}

// Resolve returns the first A (then AAAA) record for host. IP literals are
// returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	if host == "" {
		return "", errNoAddress
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, r.server)
		if err != nil {
			return "", fmt.Errorf("dns query %s: %w", host, err)
		}
		if in.Rcode != dns.RcodeSuccess {
			return "", fmt.Errorf("dns query %s: %s", host, dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			switch v := rr.(type) {
			case *dns.A:
				return v.A.String(), nil
			case *dns.AAAA:
				return v.AAAA.String(), nil
			}
		}
	}
	return "", errNoAddress
}

// ResolvingProber resolves the address before handing it to Next. A failed
// lookup is reported as Unreachable.
type ResolvingProber struct {
	Resolver interface {
		Resolve(ctx context.Context, host string) (string, error)
	}
	Next Prober
}

func (p *ResolvingProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = time.Second
	}
	start := time.Now()

	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	ip, err := p.Resolver.Resolve(resolveCtx, address)
	cancel()
	if err != nil {
		return Unreachable
	}

	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		return Unreachable
	}
	return p.Next.Probe(ctx, ip, remaining)
}
