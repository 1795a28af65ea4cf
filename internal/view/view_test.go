package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funclog/funclog/internal/util/bits"
)

func testSpec() *ViewSpec {
	return &ViewSpec{
		ID:                        1,
		MetalogReplicas:           3,
		UserlogReplicas:           3,
		IndexReplicas:             2,
		NumIndexShards:            2,
		NumPhylogs:                2,
		StorageShardsPerSequencer: 2,
		SequencerNodes:            []uint16{1, 2, 3},
		StorageNodes:              []uint16{11, 12, 13},
		IndexNodes:                []uint16{21, 22},
		HashSeed:                  0xabcd,
		HashTokens:                []uint16{1, 2, 3, 1, 2, 3},
	}
}

func TestNewViewLayout(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	assert.Equal(t, uint16(1), v.ID())
	assert.True(t, v.ContainsSequencerNode(2))
	assert.False(t, v.ContainsSequencerNode(9))
	assert.True(t, v.ContainsStorageNode(11))
	assert.True(t, v.ContainsIndexNode(22))

	// Every sequencer owns its configured local shards; each shard has
	// exactly userlog_replicas storage nodes.
	for _, seqID := range v.SequencerNodes() {
		seq := v.GetSequencerNode(seqID)
		require.NotNil(t, seq)
		assert.Equal(t, []uint16{0, 1}, seq.StorageShardIDs())
		for _, local := range seq.StorageShardIDs() {
			shard := v.GetStorageShard(bits.JoinTwo16(seqID, local))
			require.NotNil(t, shard)
			assert.Len(t, shard.StorageNodes(), 3)
			assert.Equal(t, seqID, shard.SequencerNode())
		}
	}
}

func TestSequencerReplicaRing(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	seq := v.GetSequencerNode(1)
	require.NotNil(t, seq)
	assert.Equal(t, []uint16{2, 3}, seq.ReplicaSequencerNodes())
	assert.True(t, seq.IsReplicaSequencerNode(3))
	assert.False(t, seq.IsReplicaSequencerNode(1))
}

func TestLogSpaceIdentifierStableAndValid(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	for userLogspace := uint32(0); userLogspace < 100; userLogspace++ {
		id := v.LogSpaceIdentifier(userLogspace)
		assert.Equal(t, id, v.LogSpaceIdentifier(userLogspace))
		assert.Equal(t, uint16(1), bits.HighHalf32(id))
		assert.True(t, v.ContainsSequencerNode(bits.LowHalf32(id)))
	}
}

func TestPickStorageNodeRoundRobin(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	shard := v.GetStorageShard(bits.JoinTwo16(1, 0))
	require.NotNil(t, shard)

	counts := make(map[uint16]int)
	for i := 0; i < 9; i++ {
		counts[shard.PickStorageNode()]++
	}
	for _, nodeID := range shard.StorageNodes() {
		assert.Equal(t, 3, counts[nodeID])
	}
}

func TestPickIndexNodePerShard(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	shard := v.GetStorageShard(bits.JoinTwo16(2, 1))
	picked := shard.PickIndexNodePerShard()
	assert.Len(t, picked, 2)
	for _, nodeID := range picked {
		assert.True(t, v.ContainsIndexNode(nodeID))
	}
	assert.True(t, shard.UseMasterSlaveMerging())
}

func TestStorageDescriptorShards(t *testing.T) {
	v, err := NewView(testSpec())
	require.NoError(t, err)

	// userlog_replicas == numStorage, so every storage node replicates
	// every shard.
	storage := v.GetStorageNode(12)
	require.NotNil(t, storage)
	assert.Len(t, storage.StorageShardIDs(), 6)
	assert.Equal(t, []uint16{0, 1}, storage.LocalStorageShardIDs(3))
	assert.True(t, storage.IsStorageShardMember(bits.JoinTwo16(1, 1)))
	assert.False(t, storage.IsStorageShardMember(bits.JoinTwo16(9, 0)))
}

func TestNewViewRejectsBadSpec(t *testing.T) {
	spec := testSpec()
	spec.UserlogReplicas = 5
	_, err := NewView(spec)
	assert.Error(t, err)

	spec = testSpec()
	spec.SequencerNodes = nil
	_, err = NewView(spec)
	assert.Error(t, err)

	spec = testSpec()
	spec.HashTokens = nil
	_, err = NewView(spec)
	assert.Error(t, err)
}
