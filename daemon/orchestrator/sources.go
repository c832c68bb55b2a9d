package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/chiralnode/core/daemon/source"
)

// SourceDialer turns a SourceRecord into a ChunkSource driver ready for
// Prepare. The orchestrator is deliberately transport-agnostic: it never
// dials a QUIC connection or builds an http.Client itself, it asks a
// dialer supplied by the daemon's wiring layer (which already owns
// connection pools, session keys and credentials) to do it.
type SourceDialer interface {
	Dial(ctx context.Context, record source.SourceRecord) (source.ChunkSource, error)
}

// preparedSource pairs a driver with the bookkeeping the assignment loop
// needs: how many fetches are currently in flight against it, under
// max_per_source.
type preparedSource struct {
	record   source.SourceRecord
	driver   source.ChunkSource
	mu       sync.Mutex
	inFlight int
}

func (p *preparedSource) id() string { return p.record.Identifier() }

func (p *preparedSource) tryAcquire(maxPerSource int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight >= maxPerSource {
		return false
	}
	p.inFlight++
	return true
}

func (p *preparedSource) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight > 0 {
		p.inFlight--
	}
}

// sourcePool holds every source record gathered for a job (manifest
// mirrors plus DHT-discovered peers), dials and prepares the top-K by
// priority, and answers the assignment loop's "which ready, non-banned,
// non-incoherent source should serve this chunk next" question.
type sourcePool struct {
	dialer SourceDialer
	job    *Job

	mu      sync.Mutex
	ready   []*preparedSource
	byID    map[string]*preparedSource
}

func newSourcePool(dialer SourceDialer, job *Job) *sourcePool {
	return &sourcePool{dialer: dialer, job: job, byID: make(map[string]*preparedSource)}
}

// gatherAndPrepare sorts records by PriorityScore descending, dials and
// Prepares the top K = min(k, len(records)) in parallel, and keeps
// whichever succeed. A dial or Prepare failure for one candidate does not
// fail the job — it is simply excluded, matching spec.md's "discard
// banned ones" framing (an unreachable source is equivalent to a banned
// one for this attempt).
func (sp *sourcePool) gatherAndPrepare(ctx context.Context, records []source.SourceRecord, k int) {
	sorted := make([]source.SourceRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PriorityScore() > sorted[j].PriorityScore()
	})

	if k <= 0 || k > len(sorted) {
		k = len(sorted)
	}
	candidates := sorted[:k]

	var wg sync.WaitGroup
	for _, rec := range candidates {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			driver, err := sp.dialer.Dial(ctx, rec)
			if err != nil {
				return
			}
			if err := driver.Prepare(ctx); err != nil {
				return
			}
			ps := &preparedSource{record: rec, driver: driver}
			sp.mu.Lock()
			sp.ready = append(sp.ready, ps)
			sp.byID[ps.id()] = ps
			sp.mu.Unlock()
		}()
	}
	wg.Wait()
}

// pick selects the best ready source not currently at its max_per_source
// in-flight cap, preferring non-degraded over degraded sources (ties
// broken by priority, matching the gather-time ordering) and skipping
// excludeSource. It returns nil if every other ready source is saturated
// or incoherent; per-chunk failure counts are not consulted.
func (sp *sourcePool) pick(maxPerSource int, excludeSource string) *preparedSource {
	sp.mu.Lock()
	candidates := make([]*preparedSource, len(sp.ready))
	copy(candidates, sp.ready)
	sp.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := sp.job.isDegraded(candidates[i].id()), sp.job.isDegraded(candidates[j].id())
		if di != dj {
			return !di // non-degraded first
		}
		return candidates[i].record.PriorityScore() > candidates[j].record.PriorityScore()
	})

	for _, c := range candidates {
		if c.id() == excludeSource {
			continue
		}
		if sp.job.isIncoherent(c.id()) {
			continue
		}
		if c.tryAcquire(maxPerSource) {
			return c
		}
	}
	return nil
}

// any reports whether the pool has at least one ready, non-incoherent
// source left — used to decide whether remaining Pending chunks could
// still possibly succeed.
func (sp *sourcePool) any() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, c := range sp.ready {
		if !sp.job.isIncoherent(c.id()) {
			return true
		}
	}
	return false
}

// releaseAll calls Release on every dialed driver, best-effort.
func (sp *sourcePool) releaseAll(ctx context.Context) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for _, c := range sp.ready {
		_ = c.driver.Release(ctx)
	}
}

// permuteChunks returns a random permutation of the given chunk indices,
// matching §4.7's "drawn in random permutation to spread load and avoid
// correlated failures on sequentially adjacent chunks".
func permuteChunks(indices []int64) []int64 {
	out := make([]int64, len(indices))
	copy(out, indices)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// errNoReadySources is returned by the assignment loop when every
// candidate source has failed to prepare.
func errNoReadySources() error {
	return fmt.Errorf("orchestrator: no source could be prepared for this job")
}
