package logspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funclog/funclog/internal/errors"
)

func newPrimary(t *testing.T, numSequencers, metalogReplicas int) *MetaLogPrimary {
	t.Helper()
	v := newTestView(t, numSequencers, metalogReplicas)
	return NewMetaLogPrimary(v, 1, 32, testLogger())
}

// reportAll feeds identical progress vectors from every storage replica.
func reportAll(p *MetaLogPrimary, progress []uint32) {
	for _, storageID := range []uint16{11, 12, 13} {
		p.UpdateStorageProgress(storageID, progress)
	}
}

func TestMarkNextCutEmpty(t *testing.T) {
	p := newPrimary(t, 1, 1)
	assert.Nil(t, p.MarkNextCut())
}

func TestMarkNextCutTwoShards(t *testing.T) {
	p := newPrimary(t, 1, 1)
	reportAll(p, []uint32{100, 100})

	entry := p.MarkNextCut()
	require.NotNil(t, entry)
	require.NotNil(t, entry.NewLogs)
	assert.Equal(t, uint32(0), entry.MetalogSeqnum)
	assert.Equal(t, uint32(0), entry.NewLogs.StartSeqnum)
	assert.Equal(t, []uint32{0, 1}, entry.NewLogs.ShardIds)
	assert.Equal(t, []uint32{0, 0}, entry.NewLogs.ShardStarts)
	assert.Equal(t, []uint32{100, 100}, entry.NewLogs.ShardDeltas)
	assert.Equal(t, uint32(200), p.LocalSeqnumPosition())
	assert.Equal(t, uint32(1), p.MetalogPosition())

	// The cut consumed all dirty shards.
	assert.Nil(t, p.MarkNextCut())
}

func TestCutWaitsForAllReplicas(t *testing.T) {
	p := newPrimary(t, 1, 1)
	p.UpdateStorageProgress(11, []uint32{10, 0})
	p.UpdateStorageProgress(12, []uint32{10, 0})

	// Third replica has not confirmed; the shard replicated position is
	// still the minimum of zero.
	assert.Nil(t, p.MarkNextCut())

	p.UpdateStorageProgress(13, []uint32{10, 0})
	entry := p.MarkNextCut()
	require.NotNil(t, entry)
	assert.Equal(t, []uint32{0}, entry.NewLogs.ShardIds)
	assert.Equal(t, []uint32{10}, entry.NewLogs.ShardDeltas)
}

func TestConsecutiveCuts(t *testing.T) {
	p := newPrimary(t, 1, 1)
	reportAll(p, []uint32{5, 0})
	first := p.MarkNextCut()
	require.NotNil(t, first)

	reportAll(p, []uint32{8, 2})
	second := p.MarkNextCut()
	require.NotNil(t, second)
	assert.Equal(t, uint32(5), second.NewLogs.StartSeqnum)
	assert.Equal(t, []uint32{0, 1}, second.NewLogs.ShardIds)
	assert.Equal(t, []uint32{5, 0}, second.NewLogs.ShardStarts)
	assert.Equal(t, []uint32{3, 2}, second.NewLogs.ShardDeltas)
	assert.Equal(t, uint32(10), p.LocalSeqnumPosition())
}

func TestBlockedShardExcludedFromCuts(t *testing.T) {
	p := newPrimary(t, 1, 1)

	lastCut, err := p.BlockShard(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), lastCut)
	assert.Equal(t, 1, p.NumBlockedShards())

	// New appends land on the blocked shard only.
	reportAll(p, []uint32{10, 0})
	assert.Nil(t, p.MarkNextCut())

	_, err = p.UnblockShard(0)
	require.NoError(t, err)
	assert.Equal(t, 0, p.NumBlockedShards())

	// One more progress report after unblocking re-admits the entries.
	reportAll(p, []uint32{10, 0})
	entry := p.MarkNextCut()
	require.NotNil(t, entry)
	assert.Equal(t, []uint32{0}, entry.NewLogs.ShardIds)
	assert.Equal(t, []uint32{10}, entry.NewLogs.ShardDeltas)
}

func TestBlockShardIdempotent(t *testing.T) {
	p := newPrimary(t, 1, 1)
	reportAll(p, []uint32{4, 0})
	require.NotNil(t, p.MarkNextCut())

	first, err := p.BlockShard(0)
	require.NoError(t, err)
	second, err := p.BlockShard(0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, uint32(4), first)
	assert.Equal(t, 1, p.NumBlockedShards())
}

func TestBlockShardClearsDirty(t *testing.T) {
	p := newPrimary(t, 1, 1)
	reportAll(p, []uint32{3, 7})

	_, err := p.BlockShard(0)
	require.NoError(t, err)

	entry := p.MarkNextCut()
	require.NotNil(t, entry)
	assert.Equal(t, []uint32{1}, entry.NewLogs.ShardIds)
	assert.Equal(t, []uint32{7}, entry.NewLogs.ShardDeltas)
}

func TestBlockUnknownShard(t *testing.T) {
	p := newPrimary(t, 1, 1)
	_, err := p.BlockShard(99)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnknownShard, errors.GetCode(err))
	_, err = p.UnblockShard(99)
	require.Error(t, err)
}

func TestReplicatedPositionMedian(t *testing.T) {
	// Five sequencers with full metalog replication give sequencer 1 four
	// backup replicas: 2, 3, 4, 5.
	p := newPrimary(t, 5, 5)

	// Advance the metalog to position 10.
	for i := 0; i < 10; i++ {
		reportAll(p, []uint32{uint32(i + 1), 0})
		require.NotNil(t, p.MarkNextCut())
	}
	assert.Equal(t, uint32(10), p.MetalogPosition())

	p.UpdateReplicaProgress(2, 5)
	p.UpdateReplicaProgress(3, 7)
	p.UpdateReplicaProgress(4, 9)
	// {0, 5, 7, 9} sorted, upper middle is 7.
	assert.Equal(t, uint32(7), p.ReplicatedMetalogPosition())

	p.UpdateReplicaProgress(5, 10)
	// {5, 7, 9, 10} sorted, upper middle is 9.
	assert.Equal(t, uint32(9), p.ReplicatedMetalogPosition())
}

func TestReplicatedPositionWithoutReplicas(t *testing.T) {
	p := newPrimary(t, 1, 1)
	reportAll(p, []uint32{1, 0})
	require.NotNil(t, p.MarkNextCut())
	assert.Equal(t, uint32(1), p.ReplicatedMetalogPosition())
}

func TestSeqnumPositionMatchesAppliedDeltas(t *testing.T) {
	p := newPrimary(t, 1, 1)
	var total uint32
	for i := 1; i <= 5; i++ {
		reportAll(p, []uint32{uint32(i * 3), uint32(i * 2)})
		entry := p.MarkNextCut()
		require.NotNil(t, entry)
		for _, delta := range entry.NewLogs.ShardDeltas {
			total += delta
		}
		assert.Equal(t, total, p.LocalSeqnumPosition())
	}
}
