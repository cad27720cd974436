package sync

import (
	"errors"
	"sync/atomic"
)

type engineStats struct {
	changesBroadcast     uint64
	changesApplied       uint64
	changesRejected      uint64
	syncRequestsSent     uint64
	syncRequestsReceived uint64
	syncResponses        uint64
	malformedMessages    uint64
	droppedSends         uint64
}

// EngineStats is a snapshot of engine counters.
type EngineStats struct {
	ChangesBroadcast     uint64
	ChangesApplied       uint64
	ChangesRejected      uint64
	SyncRequestsSent     uint64
	SyncRequestsReceived uint64
	SyncResponses        uint64
	MalformedMessages    uint64
	DroppedSends         uint64
	Documents            int
	ConnectedPeers       int
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	documents := len(e.docs)
	e.mu.Unlock()

	return EngineStats{
		ChangesBroadcast:     atomic.LoadUint64(&e.stats.changesBroadcast),
		ChangesApplied:       atomic.LoadUint64(&e.stats.changesApplied),
		ChangesRejected:      atomic.LoadUint64(&e.stats.changesRejected),
		SyncRequestsSent:     atomic.LoadUint64(&e.stats.syncRequestsSent),
		SyncRequestsReceived: atomic.LoadUint64(&e.stats.syncRequestsReceived),
		SyncResponses:        atomic.LoadUint64(&e.stats.syncResponses),
		MalformedMessages:    atomic.LoadUint64(&e.stats.malformedMessages),
		DroppedSends:         atomic.LoadUint64(&e.stats.droppedSends),
		Documents:            documents,
		ConnectedPeers:       e.manager.ConnectedCount(),
	}
}

// countErrors returns how many errors err joins.
func countErrors(err error) int {
	if err == nil {
		return 0
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		return len(joined.Unwrap())
	}
	return 1
}
