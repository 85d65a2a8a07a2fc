// Package observability tracks pipeline execution: per-partition timings,
// worker concurrency, and parallel versus sequential run comparison.
package observability

import (
	"sort"
	"sync"
	"time"
)

// PartitionTiming records the execution of one partition task.
type PartitionTiming struct {
	PartitionID string        `json:"partitionId"`
	Index       int           `json:"index"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
	Records     int64         `json:"records"` // records read from the partition
	Failed      bool          `json:"failed"`
}

// Monitor collects timings and concurrency for a single run. All methods
// are safe for concurrent use by worker goroutines.
type Monitor struct {
	mu          sync.Mutex
	runID       string
	concurrency int
	startedAt   time.Time
	finishedAt  time.Time
	active      int
	peak        int
	timings     map[int]*PartitionTiming
	notifier    *Notifier
}

// NewMonitor creates a monitor for a run executing at the given worker
// concurrency.
func NewMonitor(runID string, concurrency int) *Monitor {
	return &Monitor{
		runID:       runID,
		concurrency: concurrency,
		timings:     make(map[int]*PartitionTiming),
	}
}

// SetNotifier attaches a notifier that receives an event for every
// lifecycle transition. Call before the run starts.
func (m *Monitor) SetNotifier(n *Notifier) {
	m.notifier = n
}

func (m *Monitor) publish(e Event) {
	if m.notifier == nil {
		return
	}
	e.RunID = m.runID
	m.notifier.Publish(e)
}

// RunStarted marks the beginning of the run's wall clock.
func (m *Monitor) RunStarted() {
	m.mu.Lock()
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.publish(Event{Type: EventRunStarted})
}

// RunFinished marks the end of the run's wall clock.
func (m *Monitor) RunFinished() {
	m.mu.Lock()
	m.finishedAt = time.Now()
	m.mu.Unlock()

	m.publish(Event{Type: EventRunFinished})
}

// TaskStarted records that a worker began executing a partition. The
// active worker count feeds the peak concurrency measurement.
func (m *Monitor) TaskStarted(partitionID string, index int) {
	m.mu.Lock()
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	m.timings[index] = &PartitionTiming{
		PartitionID: partitionID,
		Index:       index,
		StartedAt:   time.Now(),
	}
	m.mu.Unlock()

	m.publish(Event{Type: EventTaskStarted, PartitionID: partitionID, Index: index})
}

// TaskFinished records that a partition task completed or failed. Duration
// is measured from the matching TaskStarted call.
func (m *Monitor) TaskFinished(index int, records int64, failed bool) {
	m.mu.Lock()
	m.active--
	t, ok := m.timings[index]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Duration = time.Since(t.StartedAt)
	t.Records = records
	t.Failed = failed
	partitionID := t.PartitionID
	m.mu.Unlock()

	m.publish(Event{
		Type:        EventTaskFinished,
		PartitionID: partitionID,
		Index:       index,
		Records:     records,
		Failed:      failed,
	})
}

// PeakConcurrency returns the highest number of simultaneously active
// partition tasks observed so far.
func (m *Monitor) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// Report snapshots the run into an execution report. Timings are copied
// and sorted by partition index; a run that finished no partitions yields
// an empty timing list.
func (m *Monitor) Report() ExecutionReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	timings := make([]PartitionTiming, 0, len(m.timings))
	completed, failed := 0, 0
	for _, t := range m.timings {
		timings = append(timings, *t)
		if t.Failed {
			failed++
		} else {
			completed++
		}
	}
	sort.Slice(timings, func(i, j int) bool {
		return timings[i].Index < timings[j].Index
	})

	report := ExecutionReport{
		RunID:           m.runID,
		Concurrency:     m.concurrency,
		Partitions:      len(m.timings),
		Completed:       completed,
		Failed:          failed,
		PeakConcurrency: m.peak,
		StartedAt:       m.startedAt,
		FinishedAt:      m.finishedAt,
		Timings:         timings,
	}
	if !m.startedAt.IsZero() && !m.finishedAt.IsZero() {
		report.Total = m.finishedAt.Sub(m.startedAt)
	}
	return report
}
