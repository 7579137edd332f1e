// Package scheduler drives periodic probe rounds over the device registry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pingwatch/core-go/internal/metrics"
	"pingwatch/core-go/internal/probe"
	"pingwatch/core-go/internal/registry"
)

const (
	MinInterval         = 2 * time.Second
	MaxInterval         = 300 * time.Second
	DefaultInterval     = 5 * time.Second
	DefaultProbeTimeout = time.Second

	abandonGrace = 50 * time.Millisecond
)

var (
	ErrRoundInProgress    = errors.New("probe round already in progress")
	ErrIntervalOutOfRange = fmt.Errorf("interval must be between %s and %s", MinInterval, MaxInterval)
)

// Phase is the scheduler's position within a round. Dispatching covers taking
// the device list; AwaitingResults starts before the first probe is launched
// and lasts until every probe has returned, including while a MaxParallel cap
// holds later probes back.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseAwaitingResults
	PhaseApplying
)

func (p Phase) String() string {
	switch p {
	case PhaseDispatching:
		return "dispatching"
	case PhaseAwaitingResults:
		return "awaiting_results"
	case PhaseApplying:
		return "applying"
	default:
		return "idle"
	}
}

// RoundSummary describes one completed round.
type RoundSummary struct {
	Round     uint64
	StartedAt time.Time
	Duration  time.Duration
	Probed    int
	Reachable int
	Applied   int
	Changed   int
}

type Options struct {
	// Interval is the pause between the end of one round and the start of the
	// next. It is not range checked here; SetInterval is.
	Interval time.Duration
	// ProbeTimeout bounds each probe and is independent of Interval.
	ProbeTimeout time.Duration
	// MaxParallel caps concurrent probes per round; 0 means one per device.
	MaxParallel int
	// OnRoundComplete runs after a round's results are applied.
	OnRoundComplete func(RoundSummary)
}

type Scheduler struct {
	log          zerolog.Logger
	reg          *registry.Registry
	prober       probe.Prober
	metrics      *metrics.Metrics
	probeTimeout time.Duration
	maxParallel  int
	onRound      func(RoundSummary)

	interval        atomic.Int64
	intervalChanged chan struct{}

	running atomic.Bool
	phase   atomic.Int32
	round   atomic.Uint64
	last    atomic.Pointer[RoundSummary]
}

func New(log zerolog.Logger, reg *registry.Registry, prober probe.Prober, opts Options, m *metrics.Metrics) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	maxParallel := opts.MaxParallel
	if maxParallel < 0 {
		maxParallel = 0
	}

	s := &Scheduler{
		log:             log,
		reg:             reg,
		prober:          prober,
		metrics:         m,
		probeTimeout:    timeout,
		maxParallel:     maxParallel,
		onRound:         opts.OnRoundComplete,
		intervalChanged: make(chan struct{}, 1),
	}
	s.interval.Store(int64(interval))
	return s
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the pause between rounds. A round already in flight is
// not affected; a pending wait is re-armed against the new value.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return ErrIntervalOutOfRange
	}
	s.interval.Store(int64(d))
	select {
	case s.intervalChanged <- struct{}{}:
	default:
	}
	s.log.Info().Dur("interval", d).Msg("probe interval changed")
	return nil
}

func (s *Scheduler) ProbeTimeout() time.Duration { return s.probeTimeout }

func (s *Scheduler) Phase() Phase { return Phase(s.phase.Load()) }

// LastRound returns the summary of the most recent completed round.
func (s *Scheduler) LastRound() (RoundSummary, bool) {
	p := s.last.Load()
	if p == nil {
		return RoundSummary{}, false
	}
	return *p, true
}

// Run executes a round immediately and then one round per interval until ctx
// is cancelled. Cancellation never interrupts a round: Run returns once the
// round in flight has applied its results.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.reg == nil || s.prober == nil {
		return
	}

	s.log.Info().
		Dur("interval", s.Interval()).
		Dur("probe_timeout", s.probeTimeout).
		Int("max_parallel", s.maxParallel).
		Msg("scheduler started")
	defer s.log.Info().Msg("scheduler stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunRound(ctx); err != nil {
			s.log.Debug().Err(err).Msg("scheduled round skipped")
		}
		if !s.wait(ctx) {
			return
		}
	}
}

func (s *Scheduler) wait(ctx context.Context) bool {
	roundEnded := time.Now()
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-s.intervalChanged:
			remaining := s.Interval() - time.Since(roundEnded)
			if remaining < 0 {
				remaining = 0
			}
			timer.Reset(remaining)
		}
	}
}

// RunRound probes every registered device once and applies the results.
// It returns ErrRoundInProgress instead of overlapping a running round.
func (s *Scheduler) RunRound(ctx context.Context) (RoundSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return RoundSummary{}, ErrRoundInProgress
	}
	defer s.running.Store(false)
	defer s.phase.Store(int32(PhaseIdle))

	round := s.round.Add(1)
	summary := RoundSummary{Round: round, StartedAt: time.Now()}

	s.phase.Store(int32(PhaseDispatching))
	devices := s.reg.List()
	results := s.probeAll(ctx, round, devices)

	s.phase.Store(int32(PhaseApplying))
	applied, changed := s.reg.ApplyRound(round, results)

	for _, res := range results {
		s.metrics.IncProbe(res.Outcome.String())
		if res.Outcome == probe.Reachable {
			summary.Reachable++
		}
	}
	for _, tr := range changed {
		s.log.Info().
			Uint64("round", round).
			Str("device_id", tr.Device.ID).
			Str("name", tr.Device.Name).
			Str("address", tr.Device.Address).
			Str("location", tr.Device.Location).
			Str("from", string(tr.From)).
			Str("to", string(tr.Device.Status)).
			Msg("device status changed")
	}

	summary.Probed = len(devices)
	summary.Applied = applied
	summary.Changed = len(changed)
	summary.Duration = time.Since(summary.StartedAt)
	s.last.Store(&summary)

	s.metrics.ObserveRound(summary.Duration)
	s.publishCounts()

	s.log.Debug().
		Uint64("round", round).
		Int("probed", summary.Probed).
		Int("reachable", summary.Reachable).
		Int("applied", summary.Applied).
		Int64("duration_ms", summary.Duration.Milliseconds()).
		Msg("probe round completed")

	if s.onRound != nil {
		s.onRound(summary)
	}
	return summary, nil
}

// probeAll fans one probe per device out concurrently and waits for all of
// them. Probes run detached from ctx cancellation; each is bounded by the
// probe timeout instead.
func (s *Scheduler) probeAll(ctx context.Context, round uint64, devices []registry.Device) []registry.Result {
	results := make([]registry.Result, len(devices))
	if len(devices) == 0 {
		return results
	}

	probeCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}

	s.phase.Store(int32(PhaseAwaitingResults))
	for i, d := range devices {
		g.Go(func() error {
			results[i] = registry.Result{
				DeviceID:  d.ID,
				Outcome:   s.probeOne(probeCtx, round, d),
				CheckedAt: time.Now().UTC(),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probeOne returns Unreachable once the probe timeout passes, even if the
// prober itself does not honour its context. Probers must return when ctx is
// done: an abandoned call keeps its goroutine running outside the MaxParallel
// cap, and is counted in probes_abandoned_total.
func (s *Scheduler) probeOne(ctx context.Context, round uint64, d registry.Device) probe.Outcome {
	pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	done := make(chan probe.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Uint64("round", round).
					Str("address", d.Address).
					Interface("panic", r).
					Msg("prober panicked; treating device as unreachable")
				done <- probe.Unreachable
			}
		}()
		done <- s.prober.Probe(pctx, d.Address, s.probeTimeout)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-pctx.Done():
	}

	// a prober that honours ctx returns right after the deadline
	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case <-done:
		return probe.Unreachable
	case <-grace.C:
		s.metrics.IncAbandonedProbe()
		s.log.Warn().
			Uint64("round", round).
			Str("address", d.Address).
			Dur("timeout", s.probeTimeout).
			Msg("prober did not return by its timeout")
		return probe.Unreachable
	}
}

func (s *Scheduler) publishCounts() {
	if s.metrics == nil {
		return
	}
	counts := s.reg.Counts()
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	s.metrics.SetDevices(out)
}
