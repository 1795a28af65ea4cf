package index

import (
	"sync"

	"go.uber.org/zap"
)

// MergeKey identifies one fanned-out query: the originating engine plus
// its client data. Client data alone is only unique per engine.
type MergeKey struct {
	OriginNodeID uint16
	ClientData   uint64
}

// Aggregator merges per-shard partial results into a single answer. A
// query fanned out over N index shards produces N partials; the merge
// picks the tightest match. The same machinery serves dedicated
// aggregator nodes and the master-slave fallback, where a master index
// node merges its own partial with slave results arriving over the wire.
type Aggregator struct {
	mu      sync.Mutex
	pending map[MergeKey]*pendingMerge
	logger  *zap.Logger
}

type pendingMerge struct {
	original Query
	expected int
	received int
	best     QueryResult
	hasBest  bool
}

// NewAggregator creates an empty merge table.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		pending: make(map[MergeKey]*pendingMerge),
		logger:  logger,
	}
}

// Expect registers a fan-out of n partials for the query. The original
// query is kept so the merged result carries the full context even though
// partials travel in compressed wire form.
func (a *Aggregator) Expect(key MergeKey, n int, original Query) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[key] = &pendingMerge{original: original, expected: n}
}

// HandleResult merges one partial result. The merged answer and true are
// returned once the last partial arrived.
func (a *Aggregator) HandleResult(key MergeKey, partial QueryResult) (QueryResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merge, ok := a.pending[key]
	if !ok {
		a.logger.Warn("Partial result for unknown query",
			zap.Uint16("origin_node_id", key.OriginNodeID),
			zap.Uint64("client_data", key.ClientData))
		return QueryResult{}, false
	}
	merge.received++
	merge.merge(partial)
	if merge.received < merge.expected {
		return QueryResult{}, false
	}
	delete(a.pending, key)
	result := merge.best
	result.Original = merge.original
	return result, true
}

// Reset drops every pending merge, used when the view finalizes.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[MergeKey]*pendingMerge)
}

// NumPending returns the number of queries still awaiting partials.
func (a *Aggregator) NumPending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// merge folds one partial into the running best answer. Found wins over
// every non-found state; among Found results the seek direction decides
// which seqnum is tighter. Otherwise Miss dominates Continue, which
// dominates Empty, so the caller never treats an undecidable range as
// proven empty.
func (m *pendingMerge) merge(partial QueryResult) {
	if !m.hasBest {
		m.best = partial
		m.hasBest = true
		return
	}
	if partial.State == StateFound {
		if m.best.State != StateFound {
			m.best = partial
			return
		}
		forward := m.original.Direction != QueryReadPrev
		if forward && partial.Seqnum < m.best.Seqnum {
			m.best = partial
		} else if !forward && partial.Seqnum > m.best.Seqnum {
			m.best = partial
		}
		return
	}
	if m.best.State == StateFound {
		return
	}
	if rankState(partial.State) > rankState(m.best.State) {
		m.best = partial
	}
}

func rankState(s QueryState) int {
	switch s {
	case StateMiss:
		return 2
	case StateContinue:
		return 1
	default:
		return 0
	}
}
