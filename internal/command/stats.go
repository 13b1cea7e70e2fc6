package command

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// latencyStats accumulates per-command wall-clock latencies so
// serverStatus can report percentiles, the way
// MongoDB's own serverStatus.opLatencies does. Bounded to the most
// recent maxSamples per command so memory stays flat under sustained
// load rather than growing with total request count.
type latencyStats struct {
	mu      sync.Mutex
	samples map[string][]float64
}

const maxSamplesPerCommand = 1000

func newLatencyStats() *latencyStats {
	return &latencyStats{samples: make(map[string][]float64)}
}

func (s *latencyStats) record(command string, d time.Duration) {
	micros := float64(d.Microseconds())
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.samples[command]
	if len(buf) >= maxSamplesPerCommand {
		buf = buf[1:]
	}
	s.samples[command] = append(buf, micros)
}

// percentiles reports the p50/p99 microsecond latency for command,
// computed over its retained sample window. Returns ok=false if no
// samples have been recorded yet.
func (s *latencyStats) percentiles(command string) (p50, p99 float64, ok bool) {
	s.mu.Lock()
	samples := append([]float64(nil), s.samples[command]...)
	s.mu.Unlock()
	if len(samples) == 0 {
		return 0, 0, false
	}
	p50, _ = stats.Percentile(samples, 50)
	p99, _ = stats.Percentile(samples, 99)
	return p50, p99, true
}

// totalOps returns, per command name, the number of latency samples
// currently retained (at most maxSamplesPerCommand), used by
// serverStatus's opcounters.
func (s *latencyStats) totalOps() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.samples))
	for k, v := range s.samples {
		out[k] = len(v)
	}
	return out
}
