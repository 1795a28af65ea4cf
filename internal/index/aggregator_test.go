package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mergeKey(clientData uint64) MergeKey {
	return MergeKey{OriginNodeID: 4, ClientData: clientData}
}

func partial(state QueryState, seqnum uint64) QueryResult {
	return QueryResult{State: state, Seqnum: seqnum}
}

func TestAggregatorPicksSmallestForward(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	key := mergeKey(1)
	agg.Expect(key, 3, Query{Direction: QueryReadNext, OriginNodeID: 4, ClientData: 1})

	_, done := agg.HandleResult(key, partial(StateFound, 50))
	assert.False(t, done)
	_, done = agg.HandleResult(key, partial(StateFound, 20))
	assert.False(t, done)
	merged, done := agg.HandleResult(key, partial(StateEmpty, 0))
	require.True(t, done)
	assert.Equal(t, StateFound, merged.State)
	assert.Equal(t, uint64(20), merged.Seqnum)
	// The merged result carries the query registered at Expect time.
	assert.Equal(t, uint16(4), merged.Original.OriginNodeID)
	assert.Equal(t, 0, agg.NumPending())
}

func TestAggregatorPicksLargestBackward(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	key := mergeKey(2)
	agg.Expect(key, 2, Query{Direction: QueryReadPrev, OriginNodeID: 4, ClientData: 2})

	agg.HandleResult(key, partial(StateFound, 20))
	merged, done := agg.HandleResult(key, partial(StateFound, 50))
	require.True(t, done)
	assert.Equal(t, uint64(50), merged.Seqnum)
}

func TestAggregatorMissDominatesEmpty(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	key := mergeKey(3)
	agg.Expect(key, 2, Query{Direction: QueryReadNext, OriginNodeID: 4, ClientData: 3})

	agg.HandleResult(key, partial(StateEmpty, 0))
	merged, done := agg.HandleResult(key, partial(StateMiss, 0))
	require.True(t, done)
	assert.Equal(t, StateMiss, merged.State)
}

func TestAggregatorKeysByOrigin(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	agg.Expect(MergeKey{OriginNodeID: 4, ClientData: 9}, 1,
		Query{Direction: QueryReadNext, OriginNodeID: 4, ClientData: 9})

	// Same client data from another engine does not collide.
	_, done := agg.HandleResult(MergeKey{OriginNodeID: 5, ClientData: 9}, partial(StateFound, 1))
	assert.False(t, done)
	assert.Equal(t, 1, agg.NumPending())

	merged, done := agg.HandleResult(MergeKey{OriginNodeID: 4, ClientData: 9}, partial(StateFound, 1))
	require.True(t, done)
	assert.Equal(t, StateFound, merged.State)
}

func TestAggregatorReset(t *testing.T) {
	agg := NewAggregator(zap.NewNop())
	key := mergeKey(5)
	agg.Expect(key, 2, Query{OriginNodeID: 4, ClientData: 5})
	agg.Reset()
	assert.Equal(t, 0, agg.NumPending())

	_, done := agg.HandleResult(key, partial(StateFound, 1))
	assert.False(t, done)
}
