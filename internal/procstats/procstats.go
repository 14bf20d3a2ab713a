// Package procstats samples resource usage of the running relay process for
// the /api/stats endpoint.
package procstats

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is one sample of process resource usage.
type Snapshot struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// Sampler reads stats for the current process. The gopsutil handle is
// created lazily and reused so CPU percentages are computed between calls.
type Sampler struct {
	mu   sync.Mutex
	proc *process.Process
	pid  int32
}

func NewSampler() *Sampler {
	return &Sampler{pid: int32(os.Getpid())}
}

func (s *Sampler) Sample(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		p, err := process.NewProcessWithContext(ctx, s.pid)
		if err != nil {
			return Snapshot{}, fmt.Errorf("open process %d: %w", s.pid, err)
		}
		s.proc = p
	}

	snap := Snapshot{PID: s.pid, Goroutines: runtime.NumGoroutine()}

	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory info: %w", err)
	}
	snap.RSSBytes = mem.RSS

	// Not every platform reports these; a zero is better than no sample.
	if cpu, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		snap.CPUPercent = cpu
	}
	if threads, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		snap.Threads = threads
	}
	return snap, nil
}
