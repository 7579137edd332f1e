package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"
)

// TCPProber treats a completed handshake, or an immediate refusal, as proof
// that the host is up.
type TCPProber struct {
	port uint16
}

func NewTCPProber(port uint16) *TCPProber {
	if port == 0 {
		port = 80
	}
	return &TCPProber{port: port}
}

func (p *TCPProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = time.Second
	}

	target := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		target = net.JoinHostPort(address, strconv.Itoa(int(p.port)))
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", target)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return Reachable
		}
		return Unreachable
	}
	_ = conn.Close()
	return Reachable
}
