package orchestrator

import "testing"

func TestJob_TransitionTo_ValidPath(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	steps := []JobState{JobPreparing, JobDownloading, JobVerifying, JobFinalizing, JobCompleted}
	for _, s := range steps {
		if err := j.TransitionTo(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if j.GetState() != JobCompleted {
		t.Fatalf("expected COMPLETED, got %s", j.GetState())
	}
}

func TestJob_TransitionTo_RejectsInvalid(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	if err := j.TransitionTo(JobCompleted); err == nil {
		t.Fatal("expected Resolving -> Completed to be rejected")
	}
	if j.GetState() != JobResolving {
		t.Fatalf("state should be unchanged after a rejected transition, got %s", j.GetState())
	}
}

func TestJob_TransitionTo_TerminalStatesAreSinks(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	if err := j.TransitionTo(JobFailed); err != nil {
		t.Fatalf("Resolving -> Failed: %v", err)
	}
	if err := j.TransitionTo(JobDownloading); err == nil {
		t.Fatal("expected no transition out of Failed")
	}
}

func TestJob_RecordError_KeepsFirstAppendsRest(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	errA := errTest("a")
	errB := errTest("b")
	errC := errTest("c")
	j.recordError(errA)
	j.recordError(errB)
	j.recordError(errC)

	if j.FirstErr != errA {
		t.Fatalf("expected FirstErr to stay %v, got %v", errA, j.FirstErr)
	}
	if len(j.ErrHistory) != 2 || j.ErrHistory[0] != errB || j.ErrHistory[1] != errC {
		t.Fatalf("unexpected error history: %v", j.ErrHistory)
	}
}

func TestJob_NoteFailure_DegradesAfterTwoConsecutive(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	j.setManifest(testManifest(3, 4))

	if degraded := j.noteFailure(0, "src-a"); degraded {
		t.Fatal("first failure should not degrade the source")
	}
	if j.isDegraded("src-a") {
		t.Fatal("source should not be degraded after a single failure")
	}
	if degraded := j.noteFailure(0, "src-a"); !degraded {
		t.Fatal("second consecutive failure on the same (source, chunk) should degrade the source")
	}
	if !j.isDegraded("src-a") {
		t.Fatal("source should be degraded for the job after two consecutive failures")
	}
}

func TestJob_NoteSuccess_ResetsFailureCount(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	j.setManifest(testManifest(3, 4))

	j.noteFailure(0, "src-a")
	j.noteSuccess(0, "src-a")
	if degraded := j.noteFailure(0, "src-a"); degraded {
		t.Fatal("a success should reset the consecutive-failure count")
	}
}

func TestJob_MarkIncoherent_RequeuesAttributedChunks(t *testing.T) {
	j := NewJob("job-1", "root", "/tmp/out.bin", "/tmp/job-1")
	j.setManifest(testManifest(3, 4))

	j.setChunkState(0, ChunkVerified, "src-a")
	j.setChunkState(1, ChunkWritten, "src-a")
	j.setChunkState(2, ChunkVerified, "src-b")

	affected := j.markIncoherent("src-a")
	if len(affected) != 2 {
		t.Fatalf("expected 2 chunks attributed to src-a, got %v", affected)
	}
	if j.chunkStateAt(0) != ChunkPending || j.chunkStateAt(1) != ChunkPending {
		t.Fatal("chunks from the incoherent source should revert to Pending")
	}
	if j.chunkStateAt(2) != ChunkVerified {
		t.Fatal("chunks from an unrelated source must be untouched")
	}
	if !j.isIncoherent("src-a") {
		t.Fatal("src-a should be marked incoherent")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
