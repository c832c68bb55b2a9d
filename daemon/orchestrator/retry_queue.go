package orchestrator

import (
	"strconv"
	"strings"
	"time"

	"github.com/boltdb/bolt"
)

// RetryRecord is one durably-persisted fetch failure: sourceID exhausted
// its in-process retry budget against chunkIdx of jobID. Persisting this
// (rather than only the in-memory Job.degraded map) means a daemon restart
// does not re-attempt a source already known bad for this job — spec.md's
// P5 resume idempotence applies across process restarts, not just within
// one Orchestrator.Download call.
type RetryRecord struct {
	JobID    string
	ChunkIdx int64
	SourceID string
	ExpireAt int64
}

// RetryQueue is a BoltDB-backed store of RetryRecords, keyed by
// "jobID:chunkIdx:sourceID" so records self-dedupe on repeated failures of
// the same pairing. Grounded on daemon/manager/cas_bolt.go's bolt.Open /
// CreateBucketIfNotExists idiom, the same one the teacher used for its
// other small persistence layers.
type RetryQueue struct{ db *bolt.DB }

var bucketRetry = []byte("orchestrator_retry")

// OpenRetryQueue opens (creating if needed) a RetryQueue at path.
func OpenRetryQueue(path string) (*RetryQueue, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketRetry)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &RetryQueue{db: db}, nil
}

func retryKey(jobID string, chunkIdx int64, sourceID string) []byte {
	return []byte(jobID + ":" + strconv.FormatInt(chunkIdx, 10) + ":" + sourceID)
}

// Persist records that sourceID is no longer worth retrying for
// (jobID, chunkIdx), past this process's lifetime.
func (q *RetryQueue) Persist(rec RetryRecord) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetry)
		val := strconv.FormatInt(rec.ExpireAt, 10)
		return b.Put(retryKey(rec.JobID, rec.ChunkIdx, rec.SourceID), []byte(val))
	})
}

// BadSourcesForJob returns every source ID previously marked bad for jobID
// whose record has not yet expired, so Download's startup can pre-degrade
// them before the fetch loop touches them again.
func (q *RetryQueue) BadSourcesForJob(jobID string) ([]RetryRecord, error) {
	var out []RetryRecord
	now := time.Now().Unix()
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetry)
		c := b.Cursor()
		prefix := []byte(jobID + ":")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			parts := strings.SplitN(string(k), ":", 3)
			if len(parts) != 3 {
				continue
			}
			idx, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				continue
			}
			expireAt, _ := strconv.ParseInt(string(v), 10, 64)
			if expireAt != 0 && expireAt < now {
				continue
			}
			out = append(out, RetryRecord{JobID: jobID, ChunkIdx: idx, SourceID: parts[2], ExpireAt: expireAt})
		}
		return nil
	})
	return out, err
}

// Forget removes every persisted record for jobID. Download calls it once a
// job completes successfully, so a future job reusing the same ID starts
// clean; a failed job's records are kept.
func (q *RetryQueue) Forget(jobID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRetry)
		c := b.Cursor()
		prefix := []byte(jobID + ":")
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *RetryQueue) Close() error { return q.db.Close() }
