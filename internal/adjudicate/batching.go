package adjudicate

import (
	"context"
	"fmt"
)

// BatchSizePolicy lists the chunk sizes to try, in order. A size of 0 means
// all pairs in one call. A size succeeds only when every chunk at that size
// succeeds; otherwise the next size is tried from scratch.
type BatchSizePolicy struct {
	Sizes []int
}

func DefaultBatchSizePolicy() BatchSizePolicy {
	return BatchSizePolicy{Sizes: []int{0, 7, 5}}
}

// Candidates resolves the policy for n pairs: 0 becomes n, sizes are capped
// at n, and repeats are dropped.
func (p BatchSizePolicy) Candidates(n int) []int {
	if n <= 0 {
		return nil
	}
	sizes := p.Sizes
	if len(sizes) == 0 {
		sizes = []int{0}
	}
	out := make([]int, 0, len(sizes))
	seen := make(map[int]struct{}, len(sizes))
	for _, size := range sizes {
		if size <= 0 || size > n {
			size = n
		}
		if _, exists := seen[size]; exists {
			continue
		}
		seen[size] = struct{}{}
		out = append(out, size)
	}
	return out
}

// ChunkFunc handles pairs[start:end].
type ChunkFunc[T any] func(ctx context.Context, start, end int) (T, error)

// RunShrinking walks the policy until one size succeeds for all chunks and
// returns the chunk results of that size in order. When every size fails it
// returns the last error.
func RunShrinking[T any](ctx context.Context, n int, policy BatchSizePolicy, call ChunkFunc[T]) ([]T, int, error) {
	candidates := policy.Candidates(n)
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	var lastErr error
	for _, size := range candidates {
		if err := contextError(ctx); err != nil {
			return nil, 0, err
		}
		results, err := runChunks(ctx, n, size, call)
		if err == nil {
			return results, size, nil
		}
		lastErr = fmt.Errorf("batch size %d: %w", size, err)
	}
	return nil, 0, lastErr
}

func runChunks[T any](ctx context.Context, n, size int, call ChunkFunc[T]) ([]T, error) {
	results := make([]T, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		if err := contextError(ctx); err != nil {
			return nil, err
		}
		end := min(start+size, n)
		result, err := call(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("pairs [%d:%d]: %w", start, end, err)
		}
		results = append(results, result)
	}
	return results, nil
}
