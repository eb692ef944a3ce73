// Package tasklet implements the cooperative scheduler: one SchedGroup per
// CPU core, round-robining non-blocking tasklets with an ALL_DONE/
// HAS_PENDING contract and an adaptive sleep between fully-idle rounds.
package tasklet

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Progress is a tasklet handler's return value.
type Progress bool

const (
	AllDone    Progress = false
	HasPending Progress = true
)

// Tasklet is the contract every scheduled unit of work implements. Handler
// MUST NOT block or sleep; PreStart/Start/Stop bracket the worker loop.
type Tasklet interface {
	Name() string
	PreStart() error
	Start() error
	Handler() Progress
	Stop() error
}

type slot struct {
	t Tasklet

	requestExit atomic.Bool
	ackExit     atomic.Bool

	calls   uint64
	sumNs   int64
	minNs   int64
	maxNs   int64
}

// SchedGroup owns one CPU (pinned lcore) or one opt-in OS thread, and an
// append-only array of tasklets.
type SchedGroup struct {
	log  *zap.Logger
	name string
	cpu  int // -1 means "no pinning"

	defaultSleep time.Duration
	forceSleep   time.Duration
	zeroSleep    time.Duration

	mu      sync.Mutex
	slots   []*slot
	started atomic.Bool
	stopReq atomic.Bool
	stopped chan struct{}

	sleptNs atomic.Int64
}

// NewGroup creates a group. cpu<0 disables affinity pinning, leaving the
// worker on whatever OS thread the runtime schedules it to.
func NewGroup(log *zap.Logger, name string, cpu int, defaultSleep, forceSleep, zeroSleep time.Duration) *SchedGroup {
	return &SchedGroup{
		log:          log.With(zap.String("sched_group", name)),
		name:         name,
		cpu:          cpu,
		defaultSleep: defaultSleep,
		forceSleep:   forceSleep,
		zeroSleep:    zeroSleep,
		stopped:      make(chan struct{}),
	}
}

// Register appends a tasklet. Registration order is the invocation order
// within every round.
func (g *SchedGroup) Register(t Tasklet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = append(g.slots, &slot{t: t, minNs: -1})
}

// RequestExit marks a tasklet to be stopped at the next round boundary.
func (g *SchedGroup) RequestExit(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.slots {
		if s.t.Name() == name {
			s.requestExit.Store(true)
			return nil
		}
	}
	return fmt.Errorf("tasklet: unknown tasklet %q", name)
}

// Start spawns the worker OS thread (pinned when cpu>=0) and runs
// pre_start/start on every tasklet before entering the round loop.
func (g *SchedGroup) Start() error {
	if !g.started.CompareAndSwap(false, true) {
		return fmt.Errorf("tasklet: group %s already started", g.name)
	}
	ready := make(chan error, 1)
	go func() {
		runtime_LockOSThreadIfPinned(g.cpu)
		if g.cpu >= 0 {
			if err := pinCPU(g.cpu); err != nil {
				ready <- fmt.Errorf("tasklet: pin cpu %d: %w", g.cpu, err)
				return
			}
		}
		for _, s := range g.slots {
			if err := s.t.PreStart(); err != nil {
				ready <- fmt.Errorf("tasklet: %s pre_start: %w", s.t.Name(), err)
				return
			}
		}
		for _, s := range g.slots {
			if err := s.t.Start(); err != nil {
				ready <- fmt.Errorf("tasklet: %s start: %w", s.t.Name(), err)
				return
			}
		}
		ready <- nil
		g.runLoop()
	}()
	return <-ready
}

func (g *SchedGroup) runLoop() {
	defer close(g.stopped)
	for {
		anyPending := g.round()
		if g.stopReq.Load() {
			g.finalRound()
			return
		}
		if !anyPending {
			g.sleepAdaptive()
		}
	}
}

// round calls every non-exiting tasklet's handler exactly once, in
// registration order, and processes any exit request.
func (g *SchedGroup) round() (anyPending bool) {
	g.mu.Lock()
	slots := append([]*slot(nil), g.slots...)
	g.mu.Unlock()

	for _, s := range slots {
		if s.ackExit.Load() {
			continue
		}
		start := time.Now()
		p := s.t.Handler()
		took := time.Since(start).Nanoseconds()
		s.calls++
		s.sumNs += took
		if s.minNs < 0 || took < s.minNs {
			s.minNs = took
		}
		if took > s.maxNs {
			s.maxNs = took
		}
		if p == HasPending {
			anyPending = true
		}
		if s.requestExit.Load() {
			_ = s.t.Stop()
			s.ackExit.Store(true)
		}
	}
	return anyPending
}

func (g *SchedGroup) finalRound() {
	g.round()
	g.mu.Lock()
	slots := append([]*slot(nil), g.slots...)
	g.mu.Unlock()
	for _, s := range slots {
		if !s.ackExit.Load() {
			_ = s.t.Stop()
			s.ackExit.Store(true)
		}
	}
}

// sleepAdaptive sleeps the group for defaultSleep, capped at forceSleep,
// and skips the sleep when that is below zeroSleep. Tasklets give no
// per-tasklet sleep advice; the duration is the same for every idle pass.
func (g *SchedGroup) sleepAdaptive() {
	d := g.defaultSleep
	if d > g.forceSleep {
		d = g.forceSleep
	}
	if d < g.zeroSleep {
		return
	}
	time.Sleep(d)
	g.sleptNs.Add(d.Nanoseconds())
}

// Stop requests a cooperative stop and blocks until the worker exits.
func (g *SchedGroup) Stop() {
	g.stopReq.Store(true)
	<-g.stopped
}

// SleptNs reports total adaptive-sleep time, for the idle-sleep property
// test.
func (g *SchedGroup) SleptNs() int64 { return g.sleptNs.Load() }

func pinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &set); err != nil {
		return fmt.Errorf("pin cpu %d (tid %d): %w", cpu, tid, err)
	}
	return nil
}

// runtime_LockOSThreadIfPinned locks the goroutine to its OS thread before
// pinning, since affinity is a thread property. No-op when cpu<0.
func runtime_LockOSThreadIfPinned(cpu int) {
	if cpu >= 0 {
		runtime.LockOSThread()
	}
}
