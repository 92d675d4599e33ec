package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// BatchResult aggregates the outcome of a parallel fan-out.
type BatchResult[T any] struct {
	Results   map[string]Result[T]
	Succeeded int
	Partial   int
	Failed    int
	Latency   time.Duration
}

// FetchAll runs every named operation in parallel through Fetch, sharing the
// breaker registry, and aggregates per-status counts. Options apply to each
// operation individually.
func FetchAll[T any](ctx context.Context, reg *Registry, ops map[string]Operation[T], opts Options[T]) BatchResult[T] {
	start := time.Now()
	var mu sync.Mutex
	results := make(map[string]Result[T], len(ops))

	p := pool.New().WithContext(ctx)
	for name, op := range ops {
		p.Go(func(ctx context.Context) error {
			res := Fetch(ctx, reg, name, op, opts)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	batch := BatchResult[T]{
		Results: results,
		Latency: time.Since(start),
	}
	for _, res := range results {
		switch res.Status {
		case StatusSuccess:
			batch.Succeeded++
		case StatusPartial:
			batch.Partial++
		default:
			batch.Failed++
		}
	}
	return batch
}

type cacheEntry[T any] struct {
	result  Result[T]
	expires time.Time
}

type inflightCall[T any] struct {
	done   chan struct{}
	result Result[T]
}

// DedupedFetcher collapses concurrent fetches for the same key into a single
// in-flight attempt and optionally caches the last success per key.
type DedupedFetcher[T any] struct {
	reg      *Registry
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflightCall[T]
	cache    map[string]cacheEntry[T]
}

// NewDedupedFetcher creates a fetcher sharing reg's breakers. A zero
// cacheTTL disables the success cache; deduplication of concurrent calls is
// always on.
func NewDedupedFetcher[T any](reg *Registry, cacheTTL time.Duration) *DedupedFetcher[T] {
	return &DedupedFetcher[T]{
		reg:      reg,
		cacheTTL: cacheTTL,
		now:      time.Now,
		inflight: make(map[string]*inflightCall[T]),
		cache:    make(map[string]cacheEntry[T]),
	}
}

// Fetch behaves like the package-level Fetch but keyed: callers with the
// same key share one attempt, and a fresh-enough cached success is returned
// without calling out at all.
func (d *DedupedFetcher[T]) Fetch(ctx context.Context, key string, op Operation[T], opts Options[T]) Result[T] {
	d.mu.Lock()
	if entry, ok := d.cache[key]; ok {
		if d.now().Before(entry.expires) {
			d.mu.Unlock()
			return entry.result
		}
		delete(d.cache, key)
	}
	if call, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		<-call.done
		return call.result
	}
	call := &inflightCall[T]{done: make(chan struct{})}
	d.inflight[key] = call
	d.mu.Unlock()

	res := Fetch(ctx, d.reg, key, op, opts)

	d.mu.Lock()
	call.result = res
	delete(d.inflight, key)
	if res.Status == StatusSuccess && d.cacheTTL > 0 {
		d.cache[key] = cacheEntry[T]{result: res, expires: d.now().Add(d.cacheTTL)}
	}
	d.mu.Unlock()
	close(call.done)
	return res
}

// SourcedResult tags a Result with which source produced it.
type SourcedResult[T any] struct {
	Result[T]
	Source string
}

// Source names one of several providers of the same data.
type Source[T any] struct {
	Name string
	// Priority ranks sources for merging; lower is more authoritative.
	Priority int
	Op       Operation[T]
}

// FetchWithFallback tries primary and, only on a non-success, secondary.
// The returned result is tagged with the source that produced it; if both
// fail the secondary's failure is reported.
func FetchWithFallback[T any](ctx context.Context, reg *Registry, primary, secondary Source[T], opts Options[T]) SourcedResult[T] {
	res := Fetch(ctx, reg, primary.Name, primary.Op, opts)
	if res.Status == StatusSuccess {
		return SourcedResult[T]{Result: res, Source: primary.Name}
	}
	res = Fetch(ctx, reg, secondary.Name, secondary.Op, opts)
	return SourcedResult[T]{Result: res, Source: secondary.Name}
}

// ErrAllSourcesFailed is returned by FetchAndMerge when no source yields data.
var ErrAllSourcesFailed = errors.New("all sources failed")

// FetchAndMerge fans out to multiple sources of partial data, keeps the
// successful ones ordered by priority, and merges them. It fails only when
// every source fails; with a partial set of successes the merged result is
// reported as StatusPartial.
func FetchAndMerge[T, M any](ctx context.Context, reg *Registry, sources []Source[T], merge func(parts []T) M, opts Options[T]) Result[M] {
	start := time.Now()

	type sourced struct {
		priority int
		data     T
	}
	var (
		mu        sync.Mutex
		succeeded []sourced
		attempts  int
	)
	p := pool.New().WithContext(ctx)
	for _, src := range sources {
		p.Go(func(ctx context.Context) error {
			res := Fetch(ctx, reg, src.Name, src.Op, opts)
			mu.Lock()
			attempts += res.Attempts
			if res.Status == StatusSuccess {
				succeeded = append(succeeded, sourced{priority: src.Priority, data: res.Data})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = p.Wait()

	if len(succeeded) == 0 {
		return Result[M]{
			Status:   StatusFailed,
			Err:      ErrAllSourcesFailed,
			Category: CategoryServiceDown,
			Attempts: attempts,
			Latency:  time.Since(start),
		}
	}

	sort.SliceStable(succeeded, func(i, j int) bool {
		return succeeded[i].priority < succeeded[j].priority
	})
	parts := make([]T, len(succeeded))
	for i, s := range succeeded {
		parts[i] = s.data
	}

	status := StatusSuccess
	if len(succeeded) < len(sources) {
		status = StatusPartial
	}
	return Result[M]{
		Data:     merge(parts),
		Status:   status,
		Attempts: attempts,
		Latency:  time.Since(start),
	}
}
