package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	crand "crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/chiralnode/core/daemon/dht"
	"github.com/chiralnode/core/daemon/manager"
	"github.com/chiralnode/core/daemon/source"
	"github.com/chiralnode/core/internal/chiralerr"
	"github.com/chiralnode/core/internal/chunker"
	"github.com/chiralnode/core/internal/ratelimit"
	"github.com/zeebo/blake3"
)

// Config holds the orchestrator's tunables, all defaulted per spec.md §4.7
// when left at zero.
type Config struct {
	MaxPerSource      int           // default 4
	MaxGlobal         int           // default 16
	PrepareK          int           // default min(4, len(sources))
	CoalesceWindow    int64         // default 4 MiB, HTTP range-coalescing budget
	MaxRetriesPerChunk int          // default 5
	InitialBackoff    time.Duration // default 200ms
	MaxBackoff        time.Duration // default 10s
	StallRoundLimit   int           // default 5
}

func (c Config) withDefaults() Config {
	if c.MaxPerSource <= 0 {
		c.MaxPerSource = 4
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 16
	}
	if c.PrepareK <= 0 {
		c.PrepareK = 4
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 4 * 1024 * 1024
	}
	if c.MaxRetriesPerChunk <= 0 {
		c.MaxRetriesPerChunk = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.StallRoundLimit <= 0 {
		c.StallRoundLimit = 5
	}
	return c
}

// DownloadOptions carries the per-call inputs Download needs beyond the
// merkle root and output path: mirrors known out-of-band (the manifest
// itself only carries the file's chunk layout, not a mirror list — a
// catalog or prior PublishFile call is what supplies these) are merged
// with whatever peers the DHT currently advertises as seeders.
type DownloadOptions struct {
	DeclaredMirrors []source.SourceRecord
}

// Orchestrator drives one or more download jobs to completion, against a
// DHT directory for manifest/provider lookup, a SourceDialer for turning
// SourceRecords into live ChunkSource drivers, and a bandwidth Governor
// shared across every job running in this process.
type Orchestrator struct {
	directory  dht.Directory
	dialer     SourceDialer
	governor   *ratelimit.Governor
	tmpRoot    string
	config     Config
	retryQueue *RetryQueue
}

// New builds an Orchestrator. tmpRoot is the directory job temp files and
// bitmap sidecars are written under (one subdirectory per job ID).
func New(directory dht.Directory, dialer SourceDialer, governor *ratelimit.Governor, tmpRoot string, config Config) *Orchestrator {
	return &Orchestrator{
		directory: directory,
		dialer:    dialer,
		governor:  governor,
		tmpRoot:   tmpRoot,
		config:    config.withDefaults(),
	}
}

// retryRecordTTL is how long a persisted bad-source record stays honored
// across restarts before the orchestrator is willing to try that source
// again — a source vanishing is not necessarily permanent.
const retryRecordTTL = 24 * time.Hour

// SetRetryQueue attaches a durable retry-persistence queue. Without one,
// Download behaves exactly as before: source degradation only lives for
// the duration of one call.
func (o *Orchestrator) SetRetryQueue(q *RetryQueue) { o.retryQueue = q }

// Download drives jobID (merkleRoot, outputPath) through the full
// Resolve -> Preflight -> Gather -> Assign/Fetch -> Finalize algorithm of
// spec.md §4.7, returning the terminal Job (Completed or Failed) along
// with the first error encountered, if any. The Job is always returned,
// even on failure, so a caller can inspect FirstErr/ErrHistory.
func (o *Orchestrator) Download(ctx context.Context, jobID, merkleRoot, outputPath string, opts DownloadOptions) (*Job, error) {
	job := NewJob(jobID, merkleRoot, outputPath, filepath.Join(o.tmpRoot, jobID))

	manifest, err := o.directory.LookupFile(ctx, merkleRoot)
	if err != nil {
		return o.fail(job, fmt.Errorf("resolve manifest: %w", err))
	}
	job.setManifest(manifest)

	if err := job.TransitionTo(JobPreparing); err != nil {
		return o.fail(job, err)
	}

	if err := o.preflight(job.TmpDir, manifest.FileSize); err != nil {
		return o.fail(job, err)
	}

	o.resumeFromSidecar(job)
	o.resumeDegradedFromRetryQueue(job)

	records := append([]source.SourceRecord{}, opts.DeclaredMirrors...)
	if peerIDs, err := o.directory.FindSeeders(ctx, merkleRoot); err == nil {
		for _, pid := range peerIDs {
			records = append(records, source.NewPeerSource(source.PeerInfo{PeerID: pid}))
		}
	}
	if len(records) == 0 {
		return o.fail(job, fmt.Errorf("orchestrator: no sources advertised for %s", merkleRoot))
	}

	pool := newSourcePool(o.dialer, job)
	pool.gatherAndPrepare(withMerkleRoot(ctx, merkleRoot), records, o.config.PrepareK)
	defer pool.releaseAll(context.Background())

	if !pool.any() {
		return o.fail(job, errNoReadySources())
	}

	if err := job.TransitionTo(JobDownloading); err != nil {
		return o.fail(job, err)
	}

	if err := o.runFetchLoop(ctx, job, pool); err != nil {
		return o.fail(job, err)
	}

	if err := job.TransitionTo(JobVerifying); err != nil {
		return o.fail(job, err)
	}
	if err := job.TransitionTo(JobFinalizing); err != nil {
		return o.fail(job, err)
	}
	if err := manager.VerifyAndFinalize(job.TmpDir, job.ID, manifest, outputPath); err != nil {
		return o.fail(job, err)
	}
	_ = manager.CleanupTransferTemp(job.TmpDir, job.ID)

	if err := job.TransitionTo(JobCompleted); err != nil {
		return o.fail(job, err)
	}
	if o.retryQueue != nil {
		_ = o.retryQueue.Forget(job.ID)
	}
	return job, nil
}

func (o *Orchestrator) fail(job *Job, err error) (*Job, error) {
	job.recordError(err)
	_ = job.TransitionTo(JobFailed)
	return job, err
}

// preflight checks that tmpDir's filesystem has at least fileSize plus a
// 5% slack margin free, per §4.7's "reserve disk ... fail if storage is
// exhausted". There is no pack or ecosystem library for a statfs-based
// free-space check worth a dependency over the three stdlib syscall
// fields this needs.
func (o *Orchestrator) preflight(tmpDir string, fileSize int64) error {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return chiralerr.IO(err)
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(tmpDir, &stat); err != nil {
		return chiralerr.IO(fmt.Errorf("statfs %s: %w", tmpDir, err))
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	needed := fileSize + fileSize/20 // 5% slack
	if free < needed {
		return chiralerr.DiskFull(fmt.Errorf("insufficient space in %s: need %d, have %d", tmpDir, needed, free))
	}
	return nil
}

// resumeFromSidecar loads a prior run's bitmap sidecar, if any, and marks
// every previously-received chunk Verified so a restarted download does
// not refetch data it already has on disk.
func (o *Orchestrator) resumeFromSidecar(job *Job) {
	bitmap, err := manager.LoadBitmapSidecar(job.TmpDir, job.ID)
	if err != nil {
		return
	}
	for _, idx := range bitmap.GetReceived() {
		job.setChunkState(idx, ChunkVerified, "resumed")
	}
}

// resumeDegradedFromRetryQueue pre-marks sources the retry queue recorded
// as exhausted for this job in a prior process lifetime, so the fetch loop
// does not repeat failures a previous run already paid for.
func (o *Orchestrator) resumeDegradedFromRetryQueue(job *Job) {
	if o.retryQueue == nil {
		return
	}
	records, err := o.retryQueue.BadSourcesForJob(job.ID)
	if err != nil {
		return
	}
	for _, rec := range records {
		job.markDegradedDirect(rec.SourceID)
	}
}

// persistExhausted records, when a retry queue is attached, that sourceID
// has exhausted its in-process retry budget against idx, so a future
// process picking up job.ID does not pay for the same failures again.
func (o *Orchestrator) persistExhausted(jobID string, idx int64, sourceID string) {
	if o.retryQueue == nil {
		return
	}
	_ = o.retryQueue.Persist(RetryRecord{
		JobID:    jobID,
		ChunkIdx: idx,
		SourceID: sourceID,
		ExpireAt: time.Now().Add(retryRecordTTL).Unix(),
	})
}

// runFetchLoop implements steps 4-6 of §4.7: assign Pending chunks to
// ready sources, fetch/verify/write each one, and handle failures
// (retry-with-backoff, degrade, drop-as-incoherent) until every chunk is
// Verified or no source remains that could still serve the rest.
func (o *Orchestrator) runFetchLoop(ctx context.Context, job *Job, pool *sourcePool) error {
	manifest := job.Manifest
	o.coalesceHTTP(ctx, job, pool)

	stallRounds := 0
	for {
		pending := job.pendingChunks()
		if len(pending) == 0 {
			break
		}
		if !pool.any() {
			return fmt.Errorf("orchestrator: %d chunks remain but no source is available", len(pending))
		}

		perm := permuteChunks(pending)
		var wg sync.WaitGroup
		sem := make(chan struct{}, o.config.MaxGlobal)
		for _, idx := range perm {
			idx := idx
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				o.fetchOne(ctx, job, pool, manifest, idx)
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		afterPending := job.pendingChunks()
		if len(afterPending) == len(pending) {
			stallRounds++
			if stallRounds >= o.config.StallRoundLimit {
				return fmt.Errorf("orchestrator: stalled with %d chunks pending and no progress across %d rounds", len(afterPending), stallRounds)
			}
		} else {
			stallRounds = 0
		}
	}

	if !job.allVerified() {
		return fmt.Errorf("orchestrator: fetch loop exited with chunks unverified")
	}
	return nil
}

// fetchOne assigns idx to the best available source, fetches it, verifies
// the plaintext against its chunk hash, writes it through C8, and retries
// per §4.7's Retryable/Degraded/Incoherent rules on failure.
func (o *Orchestrator) fetchOne(ctx context.Context, job *Job, pool *sourcePool, manifest *chunker.Manifest, idx int64) {
	desc := manifest.Chunks[idx]
	job.setChunkState(idx, ChunkInFlight, "")

	ps := o.acquireSource(ctx, pool, job)
	if ps == nil {
		job.setChunkState(idx, ChunkPending, "")
		return
	}
	defer ps.release()
	job.setChunkState(idx, ChunkInFlight, ps.id())

	backoff := o.config.InitialBackoff
	for attempt := 0; ; attempt++ {
		if err := o.governor.Download.Wait(ctx, int(desc.Length)); err != nil {
			job.setChunkState(idx, ChunkPending, ps.id())
			return
		}

		offset := idx * int64(manifest.ChunkSize)
		plaintext, err := ps.driver.Fetch(ctx, idx, offset, int64(desc.Length))
		if err == nil && !verifyChunkHash(desc, plaintext) {
			err = chiralerr.HashMismatch(fmt.Errorf("chunk %d: decrypted bytes do not match expected hash", idx))
		}
		if err == nil {
			if werr := manager.WriteChunk(job.TmpDir, job.ID, idx, int64(manifest.ChunkSize), plaintext); werr != nil {
				err = werr
			}
		}

		if err == nil {
			job.setChunkState(idx, ChunkWritten, ps.id())
			job.setChunkState(idx, ChunkVerified, ps.id())
			job.noteSuccess(idx, ps.id())
			job.addBytes(int64(len(plaintext)))
			return
		}

		var ce *chiralerr.Error
		if errors.As(err, &ce) && ce.Class == chiralerr.ClassIntegrity && ce.Code == "EtagChanged" {
			affected := job.markIncoherent(ps.id())
			for _, a := range affected {
				job.setChunkState(a, ChunkPending, "")
			}
			job.setChunkState(idx, ChunkPending, "")
			return
		}

		job.noteFailure(idx, ps.id())

		if !chiralerr.IsRetryable(err) || attempt >= o.config.MaxRetriesPerChunk {
			o.persistExhausted(job.ID, idx, ps.id())
			job.setChunkState(idx, ChunkPending, "")
			return
		}

		select {
		case <-ctx.Done():
			job.setChunkState(idx, ChunkPending, "")
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, o.config.MaxBackoff)
	}
}

// acquireSource blocks (bounded by ctx and pool.any()) until a ready
// source with spare max_per_source capacity appears, returning nil if the
// pool runs out of candidates entirely.
func (o *Orchestrator) acquireSource(ctx context.Context, pool *sourcePool, job *Job) *preparedSource {
	for {
		if ps := pool.pick(o.config.MaxPerSource, ""); ps != nil {
			return ps
		}
		if !pool.any() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// coalesceHTTP runs once before the main per-chunk loop: for every ready
// HTTP source, it groups the job's currently-Pending chunks into maximal
// runs of contiguous indices whose combined plaintext size stays within
// CoalesceWindow, issues one ranged Fetch per run, and slices the
// response back into per-chunk plaintext before verifying and writing
// each chunk individually. Chunks a coalesced fetch fails to satisfy stay
// Pending for the normal per-chunk loop to retry against any source.
func (o *Orchestrator) coalesceHTTP(ctx context.Context, job *Job, pool *sourcePool) {
	manifest := job.Manifest
	pool.mu.Lock()
	var httpSources []*preparedSource
	for _, ps := range pool.ready {
		if ps.record.Kind == source.KindHTTP {
			httpSources = append(httpSources, ps)
		}
	}
	pool.mu.Unlock()

	for _, ps := range httpSources {
		pending := job.pendingChunks()
		if len(pending) == 0 {
			return
		}
		for _, run := range contiguousRuns(pending, manifest, o.config.CoalesceWindow) {
			if len(run) < 2 {
				continue // single-chunk runs are handled by the normal per-chunk path
			}
			o.fetchCoalesced(ctx, job, ps, manifest, run)
		}
	}
}

// contiguousRuns groups sorted-ascending pending indices into maximal runs
// of strictly-adjacent chunk numbers, splitting a run early once its
// cumulative plaintext size would exceed windowBytes.
func contiguousRuns(pending []int64, manifest *chunker.Manifest, windowBytes int64) [][]int64 {
	sorted := append([]int64{}, pending...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}

	var runs [][]int64
	var cur []int64
	var curBytes int64
	for _, idx := range sorted {
		length := int64(manifest.Chunks[idx].Length)
		if len(cur) == 0 {
			cur = []int64{idx}
			curBytes = length
			continue
		}
		if idx == cur[len(cur)-1]+1 && curBytes+length <= windowBytes {
			cur = append(cur, idx)
			curBytes += length
			continue
		}
		runs = append(runs, cur)
		cur = []int64{idx}
		curBytes = length
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// fetchCoalesced fetches one contiguous run as a single ranged request
// against ps, then verifies and writes each chunk in the run from the
// combined response. A failed fetch (including an ETag change) leaves the
// whole run Pending. Otherwise each chunk is applied on its own: chunks
// that verify are written, and only those that fail verification, fall
// outside the response or fail to write stay Pending for the per-chunk
// loop to retry individually.
func (o *Orchestrator) fetchCoalesced(ctx context.Context, job *Job, ps *preparedSource, manifest *chunker.Manifest, run []int64) {
	if !ps.tryAcquire(1) {
		return
	}
	defer ps.release()

	for _, idx := range run {
		job.setChunkState(idx, ChunkInFlight, ps.id())
	}

	first := run[0]
	offset := first * int64(manifest.ChunkSize)
	var total int64
	for _, idx := range run {
		total += int64(manifest.Chunks[idx].Length)
	}

	if err := o.governor.Download.Wait(ctx, int(total)); err != nil {
		for _, idx := range run {
			job.setChunkState(idx, ChunkPending, "")
		}
		return
	}

	data, err := ps.driver.Fetch(ctx, first, offset, total)
	if err != nil {
		var ce *chiralerr.Error
		if errors.As(err, &ce) && ce.Class == chiralerr.ClassIntegrity && ce.Code == "EtagChanged" {
			affected := job.markIncoherent(ps.id())
			for _, a := range affected {
				job.setChunkState(a, ChunkPending, "")
			}
		}
		for _, idx := range run {
			job.noteFailure(idx, ps.id())
			job.setChunkState(idx, ChunkPending, "")
		}
		return
	}

	off := int64(0)
	for _, idx := range run {
		length := int64(manifest.Chunks[idx].Length)
		if off+length > int64(len(data)) {
			job.setChunkState(idx, ChunkPending, "")
			continue
		}
		slice := data[off : off+length]
		off += length

		if !verifyChunkHash(manifest.Chunks[idx], slice) {
			job.noteFailure(idx, ps.id())
			job.setChunkState(idx, ChunkPending, "")
			continue
		}
		if werr := manager.WriteChunk(job.TmpDir, job.ID, idx, int64(manifest.ChunkSize), slice); werr != nil {
			job.noteFailure(idx, ps.id())
			job.setChunkState(idx, ChunkPending, "")
			continue
		}
		job.setChunkState(idx, ChunkWritten, ps.id())
		job.setChunkState(idx, ChunkVerified, ps.id())
		job.noteSuccess(idx, ps.id())
		job.addBytes(length)
	}
}

// verifyChunkHash reports whether plaintext hashes (BLAKE3) to desc's
// recorded hash, the invariant spec.md §3/§4.7 insist on regardless of
// which source kind supplied the bytes.
func verifyChunkHash(desc chunker.ChunkDescriptor, plaintext []byte) bool {
	h := blake3.Sum256(plaintext)
	return base64.StdEncoding.EncodeToString(h[:]) == desc.Hash
}

// nextBackoff doubles d, clamped to max, then applies up to ±25% jitter
// so many stalled chunks against the same source don't all retry in
// lockstep.
func nextBackoff(d, maxBackoff time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d + jitter(d, 0.25)
}

func jitter(d time.Duration, pct float64) time.Duration {
	span := int64(float64(d) * pct * 2)
	if span <= 0 {
		return 0
	}
	n, err := crand.Int(crand.Reader, big.NewInt(span))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - time.Duration(span/2)
}

