package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	v, err := view.NewView(&view.ViewSpec{
		ID:                        1,
		MetalogReplicas:           1,
		UserlogReplicas:           3,
		IndexReplicas:             1,
		NumIndexShards:            1,
		NumPhylogs:                1,
		StorageShardsPerSequencer: 2,
		SequencerNodes:            []uint16{1},
		StorageNodes:              []uint16{11, 12, 13},
		IndexNodes:                []uint16{21},
		HashSeed:                  7,
		HashTokens:                []uint16{1},
	})
	require.NoError(t, err)
	return New(v, 1, 5000, 65536, zap.NewNop())
}

func pkgWithEntries(metalogPosition uint32, numProductive uint32, shards []uint32,
	seqnums []uint32, userLogspace uint32, tagsPerSeqnum [][]uint64) *wire.IndexDataProto {
	pkg := &wire.IndexDataProto{
		MetalogPosition:            metalogPosition,
		NumProductiveStorageShards: numProductive,
		MyProductiveStorageShards:  shards,
	}
	for i, s := range seqnums {
		pkg.SeqnumHalves = append(pkg.SeqnumHalves, s)
		pkg.EngineIds = append(pkg.EngineIds, 0)
		pkg.UserLogspaces = append(pkg.UserLogspaces, userLogspace)
		pkg.EndSeqnumPosition = s + 1
		tags := tagsPerSeqnum[i]
		pkg.UserTagSizes = append(pkg.UserTagSizes, uint32(len(tags)))
		pkg.UserTags = append(pkg.UserTags, tags...)
	}
	return pkg
}

func TestIngestAdvancesHorizon(t *testing.T) {
	idx := newTestIndex(t)
	assert.Equal(t, uint32(0), idx.MetalogHorizon())

	advanced := idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0, 1}, 7, [][]uint64{{42}, {42, 43}}))
	assert.True(t, advanced)
	assert.Equal(t, uint32(1), idx.MetalogHorizon())
}

func TestIngestWaitsForAllProductiveShards(t *testing.T) {
	idx := newTestIndex(t)

	// Position 1 needs two productive shards; one package is not enough.
	advanced := idx.ProvideIndexData(pkgWithEntries(1, 2, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{42}}))
	assert.False(t, advanced)
	assert.Equal(t, uint32(0), idx.MetalogHorizon())

	advanced = idx.ProvideIndexData(pkgWithEntries(1, 2, []uint32{1},
		[]uint32{1}, 7, [][]uint64{{42}}))
	assert.True(t, advanced)
	assert.Equal(t, uint32(1), idx.MetalogHorizon())
}

func TestIngestOutOfOrderPositions(t *testing.T) {
	idx := newTestIndex(t)

	// Position 2 arrives first and stays buffered.
	assert.False(t, idx.ProvideIndexData(pkgWithEntries(2, 1, []uint32{0},
		[]uint32{1}, 7, [][]uint64{{43}})))
	assert.Equal(t, uint32(0), idx.MetalogHorizon())

	// Position 1 closes the gap and both apply.
	assert.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{42}})))
	assert.Equal(t, uint32(2), idx.MetalogHorizon())

	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 43, Seqnum: 0})
	assert.Equal(t, StateFound, result.State)
	assert.Equal(t, bits.JoinTwo32(idx.LogspaceID(), 1), result.Seqnum)
}

func TestLookupFound(t *testing.T) {
	idx := newTestIndex(t)
	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0, 5, 9}, 7, [][]uint64{{42}, {42}, {44}})))

	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 1})
	require.Equal(t, StateFound, result.State)
	assert.Equal(t, bits.JoinTwo32(idx.LogspaceID(), 5), result.Seqnum)

	// The found entry bears the tag and nothing with the tag lies between
	// the query point and it; seqnum 9 carries a different tag.
	result = idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 44, Seqnum: 0})
	require.Equal(t, StateFound, result.State)
	assert.Equal(t, bits.JoinTwo32(idx.LogspaceID(), 9), result.Seqnum)
}

func TestLookupPrev(t *testing.T) {
	idx := newTestIndex(t)
	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0, 5, 9}, 7, [][]uint64{{42}, {42}, {42}})))

	result := idx.Lookup(Query{Direction: QueryReadPrev, UserLogspace: 7, Tag: 42, Seqnum: bits.JoinTwo32(idx.LogspaceID(), 7)})
	require.Equal(t, StateFound, result.State)
	assert.Equal(t, bits.JoinTwo32(idx.LogspaceID(), 5), result.Seqnum)
}

func TestLookupEmptyVersusMiss(t *testing.T) {
	idx := newTestIndex(t)

	// Fresh index without any horizon cannot prove emptiness.
	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 0})
	assert.Equal(t, StateMiss, result.State)

	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{42}})))

	// Tag 99 never appeared within the horizon.
	result = idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 99, Seqnum: 0})
	assert.Equal(t, StateEmpty, result.State)
	assert.Equal(t, idx.MetalogProgress(), result.MetalogProgress)
}

func TestLookupContinueOnStaleHorizon(t *testing.T) {
	idx := newTestIndex(t)
	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{42}})))

	// The caller requires progress 3 but the horizon is 1.
	result := idx.Lookup(Query{
		Direction:       QueryReadNext,
		UserLogspace:    7,
		Tag:             42,
		Seqnum:          0,
		MetalogProgress: bits.JoinTwo32(idx.LogspaceID(), 3),
	})
	assert.Equal(t, StateContinue, result.State)
}

func TestTagTruncationForcesMiss(t *testing.T) {
	v, err := view.NewView(&view.ViewSpec{
		ID: 1, MetalogReplicas: 1, UserlogReplicas: 3, IndexReplicas: 1,
		NumIndexShards: 1, NumPhylogs: 1, StorageShardsPerSequencer: 1,
		SequencerNodes: []uint16{1}, StorageNodes: []uint16{11, 12, 13},
		IndexNodes: []uint16{21}, HashSeed: 7, HashTokens: []uint16{1},
	})
	require.NoError(t, err)
	idx := New(v, 1, 2, 65536, zap.NewNop())

	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0, 1, 2, 3}, 7, [][]uint64{{42}, {42}, {42}, {42}})))

	// Limit 2 keeps seqnums {2, 3}; a seek starting below the truncation
	// point cannot be answered locally.
	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 0})
	assert.Equal(t, StateMiss, result.State)

	// Seeks at or above the truncation point still answer.
	result = idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42,
		Seqnum: bits.JoinTwo32(idx.LogspaceID(), 2)})
	assert.Equal(t, StateFound, result.State)
}

func TestTaglessEntriesIndexedBySeqnumOnly(t *testing.T) {
	idx := newTestIndex(t)
	require.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{}})))

	// Tag-less query (tag 0) finds the entry.
	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 0, Seqnum: 0})
	assert.Equal(t, StateFound, result.State)

	// No tag query matches it.
	result = idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 0})
	assert.Equal(t, StateEmpty, result.State)
}

func TestDuplicatePackagesIgnored(t *testing.T) {
	idx := newTestIndex(t)
	pkg := pkgWithEntries(1, 1, []uint32{0}, []uint32{0}, 7, [][]uint64{{42}})
	require.True(t, idx.ProvideIndexData(pkg))

	// Redelivery of an applied position is a no-op.
	assert.False(t, idx.ProvideIndexData(pkg))
	assert.Equal(t, uint32(1), idx.MetalogHorizon())
}

func TestMetalogBoundsHorizonAndLatePackagesApply(t *testing.T) {
	idx := newTestIndex(t)

	entry := &wire.MetaLogProto{
		LogspaceId:    idx.LogspaceID(),
		MetalogSeqnum: 0,
		Type:          wire.MetaLogNewLogs,
		NewLogs: &wire.NewLogsProto{
			StartSeqnum: 0,
			ShardIds:    []uint32{0},
			ShardStarts: []uint32{0},
			ShardDeltas: []uint32{1},
		},
	}
	assert.True(t, idx.ProvideMetaLog(entry))
	assert.Equal(t, uint32(1), idx.MetalogHorizon())
	assert.Equal(t, bits.JoinTwo32(idx.LogspaceID(), 1), idx.IndexedSeqnumPosition())

	// The package for the position was striped elsewhere; this stripe
	// proves emptiness for the covered range.
	result := idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 0})
	assert.Equal(t, StateEmpty, result.State)

	// A late package still fills in the entries.
	assert.True(t, idx.ProvideIndexData(pkgWithEntries(1, 1, []uint32{0},
		[]uint32{0}, 7, [][]uint64{{42}})))
	result = idx.Lookup(Query{Direction: QueryReadNext, UserLogspace: 7, Tag: 42, Seqnum: 0})
	assert.Equal(t, StateFound, result.State)
}

func TestMetalogOutOfOrderBuffered(t *testing.T) {
	idx := newTestIndex(t)

	second := &wire.MetaLogProto{
		LogspaceId:    idx.LogspaceID(),
		MetalogSeqnum: 1,
		Type:          wire.MetaLogNewLogs,
		NewLogs: &wire.NewLogsProto{
			StartSeqnum: 1,
			ShardIds:    []uint32{0},
			ShardStarts: []uint32{1},
			ShardDeltas: []uint32{1},
		},
	}
	assert.False(t, idx.ProvideMetaLog(second))
	assert.Equal(t, uint32(0), idx.MetalogHorizon())

	first := &wire.MetaLogProto{
		LogspaceId:    idx.LogspaceID(),
		MetalogSeqnum: 0,
		Type:          wire.MetaLogNewLogs,
		NewLogs: &wire.NewLogsProto{
			StartSeqnum: 0,
			ShardIds:    []uint32{0},
			ShardStarts: []uint32{0},
			ShardDeltas: []uint32{1},
		},
	}
	assert.True(t, idx.ProvideMetaLog(first))
	assert.Equal(t, uint32(2), idx.MetalogHorizon())
}
