package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pingwatch/core-go/internal/configstore"
	"pingwatch/core-go/internal/metrics"
	"pingwatch/core-go/internal/probe"
	"pingwatch/core-go/internal/registry"
)

func newRegistry(t *testing.T, records ...configstore.Record) *registry.Registry {
	t.Helper()
	r := registry.New(nil, zerolog.Nop())
	r.Load(records)
	return r
}

func byAddress(devices []registry.Device) map[string]registry.Device {
	out := make(map[string]registry.Device, len(devices))
	for _, d := range devices {
		out[d.Address] = d
	}
	return out
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rr.Code)
	}
	return rr.Body.String()
}

func waitForPhase(t *testing.T, s *Scheduler, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Phase() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for phase %s (current %s)", want, s.Phase())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunRound_UpdatesEveryDevice(t *testing.T) {
	reg := newRegistry(t,
		configstore.Record{Name: "A", Address: "1.1.1.1", Location: "Room1"},
		configstore.Record{Name: "B", Address: "2.2.2.2", Location: "Room1"},
		configstore.Record{Name: "C", Address: "3.3.3.3", Location: "Room2"},
	)
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		if address == "2.2.2.2" {
			return probe.Unreachable
		}
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{}, nil)

	summary, err := s.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if summary.Round != 1 || summary.Probed != 3 || summary.Applied != 3 || summary.Reachable != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got := byAddress(reg.List())
	for addr, want := range map[string]registry.Status{
		"1.1.1.1": registry.StatusUp,
		"2.2.2.2": registry.StatusDown,
		"3.3.3.3": registry.StatusUp,
	} {
		d := got[addr]
		if d.Status != want {
			t.Fatalf("%s: expected %s, got %s", addr, want, d.Status)
		}
		if d.LastCheckedAt == nil {
			t.Fatalf("%s: expected LastCheckedAt to be set", addr)
		}
		if d.LastRound != 1 {
			t.Fatalf("%s: expected round 1, got %d", addr, d.LastRound)
		}
	}
	if s.Phase() != PhaseIdle {
		t.Fatalf("expected idle after round, got %s", s.Phase())
	}
}

func TestRunRound_ProbesConcurrently(t *testing.T) {
	var records []configstore.Record
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		records = append(records, configstore.Record{Name: addr, Address: addr, Location: "Lab"})
	}
	reg := newRegistry(t, records...)

	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		time.Sleep(150 * time.Millisecond)
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{}, nil)

	summary, err := s.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if summary.Duration > 600*time.Millisecond {
		t.Fatalf("round took %s; probes appear to run sequentially", summary.Duration)
	}
}

func TestRunRound_MaxParallelCapsInFlightProbes(t *testing.T) {
	var records []configstore.Record
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"} {
		records = append(records, configstore.Record{Name: addr, Address: addr, Location: "Lab"})
	}
	reg := newRegistry(t, records...)

	var inFlight, peak atomic.Int32
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{MaxParallel: 2}, nil)

	if _, err := s.RunRound(context.Background()); err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent probes, saw %d", peak.Load())
	}
}

func TestRunRound_FailureIsolation(t *testing.T) {
	reg := newRegistry(t,
		configstore.Record{Name: "ok", Address: "10.0.0.1", Location: "Lab"},
		configstore.Record{Name: "panics", Address: "10.0.0.2", Location: "Lab"},
		configstore.Record{Name: "timeout", Address: "10.255.255.1", Location: "Lab"},
	)
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		switch address {
		case "10.0.0.2":
			panic("transport exploded")
		case "10.255.255.1":
			<-ctx.Done()
			return probe.Unreachable
		}
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	summary, err := s.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("round was not bounded by the probe timeout: %s", elapsed)
	}
	if summary.Applied != 3 {
		t.Fatalf("expected all 3 results applied, got %d", summary.Applied)
	}

	got := byAddress(reg.List())
	if got["10.0.0.1"].Status != registry.StatusUp {
		t.Fatalf("healthy device affected by other failures: %s", got["10.0.0.1"].Status)
	}
	if got["10.0.0.2"].Status != registry.StatusDown {
		t.Fatalf("expected panicking probe to count as down, got %s", got["10.0.0.2"].Status)
	}
	if got["10.255.255.1"].Status != registry.StatusDown {
		t.Fatalf("expected timed out probe to count as down, got %s", got["10.255.255.1"].Status)
	}
}

func TestRunRound_RejectsOverlap(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "slow", Address: "10.0.0.1", Location: "Lab"})

	release := make(chan struct{})
	var calls atomic.Int32
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		calls.Add(1)
		<-release
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 5 * time.Second}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunRound(context.Background())
		done <- err
	}()
	waitForPhase(t, s, PhaseAwaitingResults)
	for deadline := time.Now().Add(2 * time.Second); calls.Load() == 0; {
		if time.Now().After(deadline) {
			t.Fatalf("first round never called the prober")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.RunRound(context.Background()); !errors.Is(err, ErrRoundInProgress) {
		t.Fatalf("expected ErrRoundInProgress, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no second dispatch, got %d probe calls", calls.Load())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first round: %v", err)
	}
	if _, err := s.RunRound(context.Background()); err != nil {
		t.Fatalf("expected round after completion to run, got %v", err)
	}
}

func TestRun_NeverOverlapsRounds(t *testing.T) {
	reg := newRegistry(t,
		configstore.Record{Name: "A", Address: "10.0.0.1", Location: "Lab"},
		configstore.Record{Name: "B", Address: "10.0.0.2", Location: "Lab"},
	)

	var mu sync.Mutex
	inFlight := map[string]int{}
	overlap := false
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		mu.Lock()
		inFlight[address]++
		if inFlight[address] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight[address]--
		mu.Unlock()
		return probe.Reachable
	})

	rounds := make(chan RoundSummary, 64)
	s := New(zerolog.Nop(), reg, prober, Options{
		Interval:        time.Millisecond,
		OnRoundComplete: func(rs RoundSummary) { rounds <- rs },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 4; i++ {
		select {
		case <-rounds:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for round %d", i+1)
		}
	}
	cancel()
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatalf("a device was probed by two rounds at once")
	}
}

func TestRun_PicksUpDevicesAddedMidRound(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "A", Address: "10.0.0.1", Location: "Lab"})

	release := make(chan struct{})
	var once sync.Once
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		once.Do(func() { <-release })
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 5 * time.Second}, nil)

	done := make(chan RoundSummary, 1)
	go func() {
		rs, _ := s.RunRound(context.Background())
		done <- rs
	}()
	waitForPhase(t, s, PhaseAwaitingResults)

	if _, _, err := reg.AddOrUpdate(context.Background(), "B", "10.0.0.2", "Lab"); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	close(release)

	if rs := <-done; rs.Probed != 1 {
		t.Fatalf("expected in-flight round to probe only its dispatch snapshot, got %d", rs.Probed)
	}
	if got := byAddress(reg.List())["10.0.0.2"]; got.Status != registry.StatusUnknown {
		t.Fatalf("expected device added mid-round to remain unknown, got %s", got.Status)
	}

	rs, err := s.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if rs.Probed != 2 {
		t.Fatalf("expected next round to include new device, got %d", rs.Probed)
	}
	if got := byAddress(reg.List())["10.0.0.2"]; got.Status != registry.StatusUp {
		t.Fatalf("expected new device up after next round, got %s", got.Status)
	}
}

func TestRun_ShutdownWaitsForRoundInFlight(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "A", Address: "10.0.0.1", Location: "Lab"})

	var probeCtxErr atomic.Value
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		time.Sleep(150 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			probeCtxErr.Store(err)
		}
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	waitForPhase(t, s, PhaseAwaitingResults)
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	if v := probeCtxErr.Load(); v != nil {
		t.Fatalf("probe context was cancelled mid-flight: %v", v)
	}
	if got := reg.List()[0]; got.Status != registry.StatusUp {
		t.Fatalf("expected round in flight to apply before shutdown, got %s", got.Status)
	}
}

func TestSetInterval_Validation(t *testing.T) {
	s := New(zerolog.Nop(), newRegistry(t), probe.Func(nil), Options{}, nil)

	if s.Interval() != DefaultInterval {
		t.Fatalf("expected default interval %s, got %s", DefaultInterval, s.Interval())
	}
	for _, d := range []time.Duration{time.Second, 301 * time.Second, 0} {
		if err := s.SetInterval(d); !errors.Is(err, ErrIntervalOutOfRange) {
			t.Fatalf("SetInterval(%s): expected ErrIntervalOutOfRange, got %v", d, err)
		}
	}
	if err := s.SetInterval(MinInterval); err != nil {
		t.Fatalf("SetInterval(min): %v", err)
	}
	if err := s.SetInterval(MaxInterval); err != nil {
		t.Fatalf("SetInterval(max): %v", err)
	}
	if s.Interval() != MaxInterval {
		t.Fatalf("expected %s, got %s", MaxInterval, s.Interval())
	}
}

func TestRun_IntervalChangeRearmsPendingWait(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "A", Address: "10.0.0.1", Location: "Lab"})
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		return probe.Reachable
	})

	rounds := make(chan RoundSummary, 8)
	s := New(zerolog.Nop(), reg, prober, Options{
		Interval:        time.Hour,
		OnRoundComplete: func(rs RoundSummary) { rounds <- rs },
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-rounds:
	case <-time.After(2 * time.Second):
		t.Fatalf("first round did not run")
	}

	if err := s.SetInterval(MinInterval); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}

	select {
	case rs := <-rounds:
		if rs.Round != 2 {
			t.Fatalf("expected round 2, got %d", rs.Round)
		}
	case <-time.After(MinInterval + 2*time.Second):
		t.Fatalf("interval change did not take effect for the pending wait")
	}
}

func TestRunRound_StuckCallIsBoundedAndCounted(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "stuck", Address: "10.0.0.9", Location: "Lab"})

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		<-block
		return probe.Reachable
	})
	m := metrics.New()
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 50 * time.Millisecond}, m)

	summary, err := s.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if summary.Duration > time.Second {
		t.Fatalf("round waited on a stuck prober: %s", summary.Duration)
	}
	if got := reg.List()[0]; got.Status != registry.StatusDown {
		t.Fatalf("expected stuck call to count as down, got %s", got.Status)
	}
	if body := scrape(t, m); !strings.Contains(body, "pingwatch_probes_abandoned_total 1") {
		t.Fatalf("expected abandoned call to be counted; body=%s", body)
	}
}

func TestRunRound_CallHonouringContextIsNotAbandoned(t *testing.T) {
	reg := newRegistry(t, configstore.Record{Name: "timeout", Address: "10.255.255.1", Location: "Lab"})
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		<-ctx.Done()
		return probe.Unreachable
	})
	m := metrics.New()
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 50 * time.Millisecond}, m)

	if _, err := s.RunRound(context.Background()); err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if body := scrape(t, m); !strings.Contains(body, "pingwatch_probes_abandoned_total 0") {
		t.Fatalf("expected no abandoned calls; body=%s", body)
	}
}

func TestRunRound_CappedRoundReportsAwaitingResults(t *testing.T) {
	reg := newRegistry(t,
		configstore.Record{Name: "A", Address: "10.0.0.1", Location: "Lab"},
		configstore.Record{Name: "B", Address: "10.0.0.2", Location: "Lab"},
		configstore.Record{Name: "C", Address: "10.0.0.3", Location: "Lab"},
	)

	release := make(chan struct{})
	var calls atomic.Int32
	prober := probe.Func(func(ctx context.Context, address string, timeout time.Duration) probe.Outcome {
		calls.Add(1)
		<-release
		return probe.Reachable
	})
	s := New(zerolog.Nop(), reg, prober, Options{ProbeTimeout: 5 * time.Second, MaxParallel: 1}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunRound(context.Background())
		done <- err
	}()

	// only one call can be in flight; the rest are still queued behind the cap
	for deadline := time.Now().Add(2 * time.Second); calls.Load() == 0; {
		if time.Now().After(deadline) {
			t.Fatalf("round never called the prober")
		}
		time.Sleep(time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected the cap to hold later devices back, got %d calls", calls.Load())
	}
	if got := s.Phase(); got != PhaseAwaitingResults {
		t.Fatalf("expected %s while capped devices wait, got %s", PhaseAwaitingResults, got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunRound: %v", err)
	}
}
