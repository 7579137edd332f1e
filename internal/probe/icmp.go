package probe

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ICMPProber sends a single echo request through the system ping binary.
type ICMPProber struct {
	goos     string
	lookPath func(file string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewICMPProber() *ICMPProber {
	return &ICMPProber{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (p *ICMPProber) Probe(ctx context.Context, address string, timeout time.Duration) Outcome {
	address = strings.TrimSpace(address)
	if address == "" || strings.HasPrefix(address, "-") {
		return Unreachable
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	pingPath, err := p.lookPath("ping")
	if err != nil {
		return Unreachable
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := p.run(pingCtx, pingPath, pingArgs(p.goos, address)...)
	if err != nil {
		return Unreachable
	}
	if !hasEchoReply(out) {
		return Unreachable
	}
	return Reachable
}

// pingArgs asks for exactly one echo request with a one second reply wait.
// Linux iputils takes -W in seconds; the darwin and FreeBSD ping take it in
// milliseconds.
func pingArgs(goos, address string) []string {
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", "1000", address}
	case "darwin", "freebsd":
		return []string{"-c", "1", "-W", "1000", address}
	default:
		return []string{"-c", "1", "-W", "1", address}
	}
}

// Windows ping exits 0 for "destination host unreachable" replies, so a
// zero exit alone is not proof of an echo reply.
func hasEchoReply(out []byte) bool {
	return strings.Contains(strings.ToLower(string(out)), "ttl=")
}
