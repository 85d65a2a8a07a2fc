package observability

import (
	"fmt"
	"time"
)

// ExecutionReport summarizes one pipeline run.
type ExecutionReport struct {
	RunID           string            `json:"runId"`
	Concurrency     int               `json:"concurrency"`
	Partitions      int               `json:"partitions"`
	Completed       int               `json:"completed"`
	Failed          int               `json:"failed"`
	PeakConcurrency int               `json:"peakConcurrency"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      time.Time         `json:"finishedAt"`
	Total           time.Duration     `json:"total"`   // wall time of the whole run
	Timings         []PartitionTiming `json:"timings"` // sorted by partition index
}

// BusyTime returns the summed duration of all partition tasks, the time
// workers spent executing rather than the run's wall time.
func (r ExecutionReport) BusyTime() time.Duration {
	var sum time.Duration
	for _, t := range r.Timings {
		sum += t.Duration
	}
	return sum
}

// SlowestPartition returns the timing of the longest-running partition and
// false when the run had none.
func (r ExecutionReport) SlowestPartition() (PartitionTiming, bool) {
	if len(r.Timings) == 0 {
		return PartitionTiming{}, false
	}
	slowest := r.Timings[0]
	for _, t := range r.Timings[1:] {
		if t.Duration > slowest.Duration {
			slowest = t
		}
	}
	return slowest, true
}

// Speedup relates a parallel run to a sequential run of the same pipeline.
type Speedup struct {
	Parallel   time.Duration `json:"parallel"`
	Sequential time.Duration `json:"sequential"`
	Factor     float64       `json:"factor"` // sequential wall time / parallel wall time
}

func (s Speedup) String() string {
	return fmt.Sprintf("%.2fx (sequential %s, parallel %s)",
		s.Factor, s.Sequential, s.Parallel)
}

// Compare computes the speedup of a parallel run over a sequential run:
// sequential wall time divided by parallel wall time. A zero parallel
// duration reports factor 0 rather than dividing by zero.
func Compare(parallel, sequential ExecutionReport) Speedup {
	s := Speedup{
		Parallel:   parallel.Total,
		Sequential: sequential.Total,
	}
	if parallel.Total > 0 {
		s.Factor = float64(sequential.Total) / float64(parallel.Total)
	}
	return s
}
