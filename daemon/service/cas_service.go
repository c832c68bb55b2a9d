package service

import (
	"time"
	"path/filepath"
	"os"
	"github.com/chiralnode/core/daemon/transport"
	"github.com/chiralnode/core/daemon/manager"
	"github.com/chiralnode/core/daemon/orchestrator"
)

var defaultRetryQueue *orchestrator.RetryQueue
var boltCAS *manager.BoltCAS

// InitRetryQueue opens the durable retry-persistence store that the
// download orchestrator attaches to every Orchestrator it builds (see
// cmd/download), so a source that exhausted its retry budget against a
// chunk in a prior process stays degraded across a daemon restart.
func InitRetryQueue(path string) error {
	q, err := orchestrator.OpenRetryQueue(path)
	if err != nil {
		return err
	}
	defaultRetryQueue = q
	return nil
}

// GetRetryQueue returns the process-wide retry queue, or nil if
// InitRetryQueue was never called.
func GetRetryQueue() *orchestrator.RetryQueue { return defaultRetryQueue }

// Bolt-backed CAS with periodic GC

type InMemoryCAS struct { m map[string]time.Time }
func NewInMemoryCAS() *InMemoryCAS { return &InMemoryCAS{m: make(map[string]time.Time)} }
func (c *InMemoryCAS) HasChunk(hash string) bool { _, ok := c.m[hash]; return ok }
func (c *InMemoryCAS) PutChunk(hash string, length int) error { c.m[hash] = time.Now(); return nil }

// InitCAS initializes the CAS backend; prefer BoltCAS under ~/.local/share/chiral/cas.db and fallback to in-memory.
func InitCAS() {
	home, _ := os.UserHomeDir()
	defaultPath := filepath.Join(home, ".local", "share", "chiral", "cas.db")
	_ = os.MkdirAll(filepath.Dir(defaultPath), 0o755)
	if bc, err := manager.OpenBoltCAS(defaultPath); err == nil {
		boltCAS = bc
		transport.SetCASBackend(boltCAS)
	} else {
		transport.SetCASBackend(NewInMemoryCAS())
	}
}

// StartCASGCLoop starts a periodic GC loop for BoltCAS; no-op for in-memory.
func StartCASGCLoop(retention time.Duration, interval time.Duration) {
	if boltCAS == nil { return }
	go func(){
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			_, _ = boltCAS.GC(retention)
		}
	}()
}
