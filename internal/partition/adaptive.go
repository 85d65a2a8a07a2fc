package partition

// AdaptiveSizer recommends a target partition size from the dataset size and
// the worker count. Larger datasets get larger partitions to bound per-
// partition overhead, while small datasets are split finely enough to keep
// every worker busy.
type AdaptiveSizer struct {
	minSize        int
	maxSize        int
	tasksPerWorker int
	tiers          []sizingTier
}

// sizingTier maps a dataset size threshold to a target partition size.
type sizingTier struct {
	thresholdRecords int64
	targetSize       int
}

// AdaptiveSizerOption configures an AdaptiveSizer.
type AdaptiveSizerOption func(*AdaptiveSizer)

// WithTier adds a sizing tier: datasets of at least thresholdRecords get
// partitions of targetSize records.
func WithTier(thresholdRecords int64, targetSize int) AdaptiveSizerOption {
	return func(s *AdaptiveSizer) {
		s.tiers = append(s.tiers, sizingTier{
			thresholdRecords: thresholdRecords,
			targetSize:       targetSize,
		})
	}
}

// WithBounds sets the minimum and maximum partition size in records.
func WithBounds(minSize, maxSize int) AdaptiveSizerOption {
	return func(s *AdaptiveSizer) {
		s.minSize = minSize
		s.maxSize = maxSize
	}
}

// WithTasksPerWorker sets how many partitions each worker should receive on
// average. More tasks per worker smooths out skewed partition costs.
func WithTasksPerWorker(n int) AdaptiveSizerOption {
	return func(s *AdaptiveSizer) {
		if n > 0 {
			s.tasksPerWorker = n
		}
	}
}

// NewAdaptiveSizer creates an adaptive sizer with default tiers.
func NewAdaptiveSizer(opts ...AdaptiveSizerOption) *AdaptiveSizer {
	s := &AdaptiveSizer{
		minSize:        100,
		maxSize:        1_000_000,
		tasksPerWorker: 4,
	}

	for _, opt := range opts {
		opt(s)
	}

	if len(s.tiers) == 0 {
		s.tiers = []sizingTier{
			{thresholdRecords: 0, targetSize: 10_000},
			{thresholdRecords: 1_000_000, targetSize: 50_000},
			{thresholdRecords: 10_000_000, targetSize: 100_000},
			{thresholdRecords: 100_000_000, targetSize: 250_000},
		}
	}

	return s
}

// TargetSize returns the recommended partition size for a dataset of
// totalRecords executed by the given number of workers.
func (s *AdaptiveSizer) TargetSize(totalRecords int64, workers int) int {
	// Walk tiers, pick the highest tier whose threshold is met.
	target := s.tiers[0].targetSize
	for _, tier := range s.tiers {
		if totalRecords >= tier.thresholdRecords {
			target = tier.targetSize
		}
	}

	// Shrink so every worker gets its share of partitions.
	if workers > 1 && totalRecords > 0 {
		fairShare := int(totalRecords / int64(workers*s.tasksPerWorker))
		if fairShare > 0 && fairShare < target {
			target = fairShare
		}
	}

	// Clamp to bounds.
	if target < s.minSize {
		target = s.minSize
	}
	if target > s.maxSize {
		target = s.maxSize
	}

	return target
}
