// Package hostload reads host pressure signals from Linux procfs: the
// 1-minute load average and kernel pid-namespace usage. The scheduler
// uses these to stop spawning workers before the host does it for us.
package hostload

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshot is one observation of host pressure.
type Snapshot struct {
	// Load1 is the 1-minute load average.
	Load1 float64
	// Threads is the total number of kernel scheduling entities
	// (processes and threads), from the fourth /proc/loadavg field.
	Threads int
	// PidMax is the kernel's pid ceiling from /proc/sys/kernel/pid_max.
	PidMax int
	// NumCPU is the core count visible to this process.
	NumCPU int
}

// PidHeadroom returns how many pids remain before the kernel limit.
func (s Snapshot) PidHeadroom() int {
	return s.PidMax - s.Threads
}

// PidRatio returns pid-namespace usage as a fraction of the limit.
func (s Snapshot) PidRatio() float64 {
	if s.PidMax == 0 {
		return 0
	}
	return float64(s.Threads) / float64(s.PidMax)
}

// Probe reads and caches host pressure snapshots.
type Probe struct {
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   *Snapshot
	cachedAt time.Time

	// readFile is injectable for testing.
	readFile func(path string) (string, error)
	now      func() time.Time
}

// NewProbe creates a probe caching snapshots for cacheTTL.
func NewProbe(cacheTTL time.Duration) *Probe {
	return &Probe{
		cacheTTL: cacheTTL,
		readFile: defaultReadFile,
		now:      time.Now,
	}
}

// Snapshot returns the current host pressure, served from cache within
// the TTL. Procfs reads are microseconds, but admission is a hot path.
func (p *Probe) Snapshot() (Snapshot, error) {
	p.mu.RLock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < p.cacheTTL {
		s := *p.cached
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	loadavg, err := p.readFile("/proc/loadavg")
	if err != nil {
		return Snapshot{}, fmt.Errorf("read loadavg: %w", err)
	}
	s := ParseLoadAvg(loadavg)

	pidMax, err := p.readFile("/proc/sys/kernel/pid_max")
	if err != nil {
		return Snapshot{}, fmt.Errorf("read pid_max: %w", err)
	}
	s.PidMax, err = strconv.Atoi(strings.TrimSpace(pidMax))
	if err != nil {
		return Snapshot{}, fmt.Errorf("parse pid_max: %w", err)
	}

	p.mu.Lock()
	p.cached = &s
	p.cachedAt = p.now()
	p.mu.Unlock()

	return s, nil
}

// ParseLoadAvg parses /proc/loadavg content. The fourth field is
// "running/total" scheduling entities; total counts every thread on the
// host and is the numerator for pid pressure.
func ParseLoadAvg(content string) Snapshot {
	fields := strings.Fields(strings.TrimSpace(content))
	s := Snapshot{NumCPU: runtime.NumCPU()}
	if len(fields) >= 1 {
		s.Load1, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 4 {
		if _, total, ok := strings.Cut(fields[3], "/"); ok {
			s.Threads, _ = strconv.Atoi(total)
		}
	}
	return s
}

func defaultReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
