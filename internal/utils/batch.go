package utils

import "math/rand"

// BatchIndices splits the indices 0..n-1 into consecutive batches of at most
// batchSize. When rng is non-nil the whole index order is reshuffled first.
func BatchIndices(n, batchSize int, rng *rand.Rand) [][]int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches [][]int
	for i := 0; i < n; i += batchSize {
		end := i + batchSize
		if end > n {
			end = n
		}
		batches = append(batches, order[i:end])
	}
	return batches
}
