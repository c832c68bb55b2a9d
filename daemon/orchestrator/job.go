// Package orchestrator implements the download orchestrator: given a
// merkle root and an output path, it resolves the manifest, gathers and
// prioritizes sources, schedules chunk fetches across them within
// concurrency and bandwidth bounds, and drives the job to Completed or
// Failed with crash-safe intermediate state on disk.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chiralnode/core/internal/chunker"
)

// JobState is the job-level state machine: Resolving -> Preparing ->
// Downloading <-> Paused -> Verifying -> Finalizing -> Completed|Failed|Canceled.
type JobState int

const (
	JobResolving JobState = iota + 1
	JobPreparing
	JobDownloading
	JobPaused
	JobVerifying
	JobFinalizing
	JobCompleted
	JobFailed
	JobCanceled
)

func (s JobState) String() string {
	switch s {
	case JobResolving:
		return "RESOLVING"
	case JobPreparing:
		return "PREPARING"
	case JobDownloading:
		return "DOWNLOADING"
	case JobPaused:
		return "PAUSED"
	case JobVerifying:
		return "VERIFYING"
	case JobFinalizing:
		return "FINALIZING"
	case JobCompleted:
		return "COMPLETED"
	case JobFailed:
		return "FAILED"
	case JobCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

var jobTransitions = map[JobState][]JobState{
	JobResolving:   {JobPreparing, JobFailed, JobCanceled},
	JobPreparing:   {JobDownloading, JobFailed, JobCanceled},
	JobDownloading: {JobPaused, JobVerifying, JobFailed, JobCanceled},
	JobPaused:      {JobDownloading, JobFailed, JobCanceled},
	JobVerifying:   {JobFinalizing, JobFailed, JobCanceled},
	JobFinalizing:  {JobCompleted, JobFailed},
	JobCompleted:   {},
	JobFailed:      {},
	JobCanceled:    {},
}

// ErrInvalidJobTransition mirrors manager.ErrInvalidStateTransition for the
// job-level state machine.
var ErrInvalidJobTransition = errors.New("orchestrator: invalid job state transition")

// ChunkState is the per-chunk state machine: Pending -> InFlight ->
// (Written -> Verified) | (Failed -> Pending).
type ChunkState int

const (
	ChunkPending ChunkState = iota + 1
	ChunkInFlight
	ChunkWritten
	ChunkVerified
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "PENDING"
	case ChunkInFlight:
		return "INFLIGHT"
	case ChunkWritten:
		return "WRITTEN"
	case ChunkVerified:
		return "VERIFIED"
	case ChunkFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// chunkRecord tracks one chunk's fetch state plus the per-source failure
// bookkeeping §4.7's degraded/incoherent rules need.
type chunkRecord struct {
	state              ChunkState
	assignedSource     string // Identifier() of the source currently/last assigned
	consecutiveFailsBy map[string]int
}

// Job is the orchestrator's single mutable record for one download. Every
// method takes mu, since the orchestrator's concurrent fetch goroutines
// update it while others read it.
type Job struct {
	mu sync.Mutex

	ID         string
	MerkleRoot string
	OutputPath string
	TmpDir     string

	State     JobState
	Manifest  *chunker.Manifest
	chunks    []chunkRecord
	degraded  map[string]bool // source identifier -> degraded for this job
	incoherent map[string]bool

	BytesDownloaded int64
	FirstErr        error
	ErrHistory      []error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob creates a fresh job in JobResolving, with no manifest yet (set
// once Resolve succeeds).
func NewJob(id, merkleRoot, outputPath, tmpDir string) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		MerkleRoot: merkleRoot,
		OutputPath: outputPath,
		TmpDir:     tmpDir,
		State:      JobResolving,
		degraded:   make(map[string]bool),
		incoherent: make(map[string]bool),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// setManifest installs the resolved manifest and allocates per-chunk
// bookkeeping sized to it. Must be called before any chunk-state method.
func (j *Job) setManifest(m *chunker.Manifest) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Manifest = m
	j.chunks = make([]chunkRecord, m.ChunkCount)
	for i := range j.chunks {
		j.chunks[i] = chunkRecord{state: ChunkPending, consecutiveFailsBy: make(map[string]int)}
	}
}

// TransitionTo moves the job to newState, rejecting any transition not
// present in jobTransitions.
func (j *Job) TransitionTo(newState JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, allowed := range jobTransitions[j.State] {
		if allowed == newState {
			j.State = newState
			j.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidJobTransition, j.State, newState)
}

// GetState returns the job's current state.
func (j *Job) GetState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

// recordError keeps the first-seen error permanently and appends every
// subsequent one to ErrHistory, matching spec.md's "first-seen error
// recorded and a history of subsequent errors for diagnosis".
func (j *Job) recordError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.FirstErr == nil {
		j.FirstErr = err
		return
	}
	j.ErrHistory = append(j.ErrHistory, err)
}

// chunkStateAt returns chunk i's current state.
func (j *Job) chunkStateAt(i int64) ChunkState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunks[i].state
}

// setChunkState transitions chunk i to state, recording which source it is
// (or was) assigned to.
func (j *Job) setChunkState(i int64, state ChunkState, sourceID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.chunks[i].state = state
	j.chunks[i].assignedSource = sourceID
}

// noteFailure increments i's consecutive-failure count for sourceID and
// reports whether that source has now failed it twice in a row — the
// threshold at which §4.7 marks the source Degraded for this job.
func (j *Job) noteFailure(i int64, sourceID string) (degradedNow bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec := &j.chunks[i]
	rec.consecutiveFailsBy[sourceID]++
	rec.state = ChunkFailed
	if rec.consecutiveFailsBy[sourceID] >= 2 {
		j.degraded[sourceID] = true
		return true
	}
	return false
}

// noteSuccess clears i's failure count for sourceID (a later success on
// the same source resets the degradation clock for that pairing).
func (j *Job) noteSuccess(i int64, sourceID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.chunks[i].consecutiveFailsBy[sourceID] = 0
}

// markDegradedDirect flags sourceID as Degraded without going through the
// per-chunk failure counter, for sources a restart-time retry queue already
// knows failed repeatedly in a prior run.
func (j *Job) markDegradedDirect(sourceID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.degraded[sourceID] = true
}

// isDegraded reports whether sourceID has been marked Degraded for this
// job (two consecutive per-chunk failures). A degraded source is still
// usable, just deprioritized against non-degraded ones.
func (j *Job) isDegraded(sourceID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.degraded[sourceID]
}

// markIncoherent drops sourceID from future assignment and reports every
// chunk index currently attributed to it (Written or Verified) so the
// caller can discard and re-queue that data, per §4.7's ETag-mismatch rule.
func (j *Job) markIncoherent(sourceID string) []int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.incoherent[sourceID] = true
	var affected []int64
	for i := range j.chunks {
		rec := &j.chunks[i]
		if rec.assignedSource == sourceID && (rec.state == ChunkWritten || rec.state == ChunkVerified) {
			rec.state = ChunkPending
			rec.assignedSource = ""
			affected = append(affected, int64(i))
		}
	}
	return affected
}

// isIncoherent reports whether sourceID has been dropped for this job.
func (j *Job) isIncoherent(sourceID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.incoherent[sourceID]
}

// pendingChunks returns the indices still in ChunkPending.
func (j *Job) pendingChunks() []int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []int64
	for i := range j.chunks {
		if j.chunks[i].state == ChunkPending {
			out = append(out, int64(i))
		}
	}
	return out
}

// allVerified reports whether every chunk has reached ChunkVerified.
func (j *Job) allVerified() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.chunks {
		if j.chunks[i].state != ChunkVerified {
			return false
		}
	}
	return true
}

// addBytes accumulates bytes written toward BytesDownloaded, for progress
// reporting.
func (j *Job) addBytes(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.BytesDownloaded += n
}
