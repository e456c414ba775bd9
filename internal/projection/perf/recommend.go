package perf

import (
	"fmt"
	"time"
)

// Batch sizes outside this range produce a recommendation.
const (
	underusedBatchSize = 2
	oversizeBatchSize  = 8
)

func recommend(r Report) []string {
	recs := []string{}

	if len(r.Strategies) > 1 {
		slowest, fastest := r.Strategies[0], r.Strategies[0]
		for _, s := range r.Strategies[1:] {
			if s.AvgMs > slowest.AvgMs {
				slowest = s
			}
			if s.AvgMs < fastest.AvgMs {
				fastest = s
			}
		}
		if slowest.Name != fastest.Name && slowest.AvgMs > 0 {
			gain := (slowest.AvgMs - fastest.AvgMs) / slowest.AvgMs * 100
			recs = append(recs, fmt.Sprintf("Switch from %s to %s for %.1f%% performance improvement",
				slowest.Name, fastest.Name, gain))
		}
	}

	budgetMs := float64(FrameBudget) / float64(time.Millisecond)
	for _, s := range r.Strategies {
		if s.AvgMs > budgetMs*0.1 {
			recs = append(recs, fmt.Sprintf("%s is using %.2fms per call - consider optimization for 60 FPS target",
				s.Name, s.AvgMs))
		}
	}

	if b := r.Batching; b != nil && b.Batches > 0 {
		switch {
		case b.AvgEventsPerBatch < underusedBatchSize:
			recs = append(recs, "Event batching is underutilized - consider increasing batch size or timeout")
		case b.AvgEventsPerBatch > oversizeBatchSize:
			recs = append(recs, "Large event batches detected - may cause frame stutter, consider smaller batches")
		}
	}
	return recs
}
