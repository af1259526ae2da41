// Package scoring implements the reputation score and download
// parallelism formulas.
package scoring

import "math"

// Score computes a peer's reputation score from cumulative online time
// and chunks served: score = W_time*secondsOnline + W_chunks*chunksServed.
func Score(secondsOnline, chunksServed int64, wTime, wChunks float64) float64 {
	return wTime*float64(secondsOnline) + wChunks*float64(chunksServed)
}

// MaxWorkers computes the size of a downloader's worker pool from a
// peer's score: max_workers = clamp(base + floor(score/divider), base, cap).
func MaxWorkers(score float64, base, cap int, divider float64) int {
	if divider <= 0 {
		divider = 1
	}
	workers := base + int(math.Floor(score/divider))
	if workers < base {
		workers = base
	}
	if workers > cap {
		workers = cap
	}
	return workers
}
