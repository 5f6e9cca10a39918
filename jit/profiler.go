package jit

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chazu/rjit/pkg/trace"
)

// GuardProfile holds profiling data for one guard exit.
type GuardProfile struct {
	Guard *trace.FailDescr
	Loop  *trace.JitCellToken
	// Exits counts the exits the driver observed through this guard.
	Exits uint64
	// IsHot is set once the guard failed often enough to deserve a bridge.
	IsHot bool
}

// GuardProfiler tracks guard failures to decide when a bridge should be
// traced. Failures taken while a bridge is attached never reach the
// driver, so only unbridged guards are profiled.
type GuardProfiler struct {
	profiles sync.Map // *trace.FailDescr -> *GuardProfile

	// Threshold is the number of failures after which a guard is hot.
	Threshold int64

	// OnHot is called once per guard, when it becomes hot.
	OnHot func(p *GuardProfile)

	hotCount atomic.Uint64
}

// NewGuardProfiler returns a profiler with the given threshold.
func NewGuardProfiler(threshold int64) *GuardProfiler {
	if threshold <= 0 {
		threshold = DefaultTraceEagerness
	}
	return &GuardProfiler{Threshold: threshold}
}

// Record notes an exit through fd. It returns true if this exit made the
// guard hot.
func (p *GuardProfiler) Record(fd *trace.FailDescr) bool {
	if fd == nil || fd.Final {
		return false
	}
	val, _ := p.profiles.LoadOrStore(fd, &GuardProfile{Guard: fd, Loop: fd.Token})
	profile := val.(*GuardProfile)
	atomic.AddUint64(&profile.Exits, 1)

	// The back-end counts every failure, including ones a later bridge
	// will absorb; that count is what decides hotness.
	if !profile.IsHot && fd.Failures() >= p.Threshold {
		profile.IsHot = true
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(profile)
		}
		return true
	}
	return false
}

// Profile returns the profile of fd, or nil if it never failed.
func (p *GuardProfiler) Profile(fd *trace.FailDescr) *GuardProfile {
	if val, ok := p.profiles.Load(fd); ok {
		return val.(*GuardProfile)
	}
	return nil
}

// IsHot reports whether fd exceeded the threshold.
func (p *GuardProfiler) IsHot(fd *trace.FailDescr) bool {
	profile := p.Profile(fd)
	return profile != nil && profile.IsHot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Guards     int
	HotGuards  int
	TotalExits uint64
}

// Stats returns aggregate profiling statistics.
func (p *GuardProfiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*GuardProfile)
		stats.Guards++
		stats.TotalExits += atomic.LoadUint64(&profile.Exits)
		if profile.IsHot {
			stats.HotGuards++
		}
		return true
	})
	return stats
}

// TopGuards returns the n guards with the most exits.
func (p *GuardProfiler) TopGuards(n int) []*GuardProfile {
	var all []*GuardProfile
	p.profiles.Range(func(_, value any) bool {
		all = append(all, value.(*GuardProfile))
		return true
	})
	slices.SortFunc(all, func(a, b *GuardProfile) int {
		ea, eb := atomic.LoadUint64(&a.Exits), atomic.LoadUint64(&b.Exits)
		switch {
		case ea > eb:
			return -1
		case ea < eb:
			return 1
		}
		return 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Forget drops the profile of fd, once a bridge is attached to it.
func (p *GuardProfiler) Forget(fd *trace.FailDescr) {
	p.profiles.Delete(fd)
}

// Reset clears all profiling data.
func (p *GuardProfiler) Reset() {
	p.profiles.Clear()
	p.hotCount.Store(0)
}
