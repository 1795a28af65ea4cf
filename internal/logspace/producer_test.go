package logspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/wire"
)

func newProducer(t *testing.T) *LogProducer {
	t.Helper()
	v := newTestView(t, 1, 1)
	return NewLogProducer(0, v, 1, 0, 0, testLogger())
}

func newLogsEntry(logspaceID uint32, metalogSeqnum uint32, startSeqnum uint32, shardID uint16, shardStart, delta uint32) *wire.MetaLogProto {
	return &wire.MetaLogProto{
		LogspaceId:    logspaceID,
		MetalogSeqnum: metalogSeqnum,
		Type:          wire.MetaLogNewLogs,
		NewLogs: &wire.NewLogsProto{
			StartSeqnum: startSeqnum,
			ShardIds:    []uint32{uint32(shardID)},
			ShardStarts: []uint32{shardStart},
			ShardDeltas: []uint32{delta},
		},
	}
}

func TestLocalAppendAssignsIncreasingLocalIDs(t *testing.T) {
	p := newProducer(t)

	id0, next0 := p.LocalAppend("op0")
	id1, next1 := p.LocalAppend("op1")
	assert.Equal(t, bits.JoinTwo32(0, 0), id0)
	assert.Equal(t, bits.JoinTwo32(0, 1), id1)
	assert.Equal(t, p.SeqnumPosition(), next0)
	assert.Equal(t, next0, next1)
	assert.Equal(t, 2, p.NumPendingAppends())
}

func TestOnNewLogsResolvesAppends(t *testing.T) {
	p := newProducer(t)
	p.LocalAppend("op0")
	p.LocalAppend("op1")
	p.LocalAppend("op2")

	require.True(t, p.ProvideMetaLog(newLogsEntry(p.Identifier(), 0, 0, 0, 0, 2)))

	results := p.PollAppendResults()
	require.Len(t, results, 2)
	assert.Equal(t, bits.JoinTwo32(p.Identifier(), 0), results[0].Seqnum)
	assert.Equal(t, bits.JoinTwo32(p.Identifier(), 1), results[1].Seqnum)
	assert.Equal(t, "op0", results[0].CallerData)
	assert.Equal(t, "op1", results[1].CallerData)
	assert.Equal(t, bits.JoinTwo32(p.Identifier(), 1), results[0].MetalogProgress)
	assert.Equal(t, 1, p.NumPendingAppends())

	// Draining twice yields nothing new.
	assert.Empty(t, p.PollAppendResults())
}

func TestOutOfOrderMetalogBuffered(t *testing.T) {
	p := newProducer(t)
	p.LocalAppend("op0")
	p.LocalAppend("op1")

	// Entry 1 arrives before entry 0; nothing resolves yet.
	require.True(t, p.ProvideMetaLog(newLogsEntry(p.Identifier(), 1, 1, 0, 1, 1)))
	assert.Empty(t, p.PollAppendResults())

	require.True(t, p.ProvideMetaLog(newLogsEntry(p.Identifier(), 0, 0, 0, 0, 1)))
	results := p.PollAppendResults()
	require.Len(t, results, 2)
	assert.Equal(t, uint32(2), p.MetalogPosition())
}

func TestProvideMetaLogWrongLogspace(t *testing.T) {
	p := newProducer(t)
	assert.False(t, p.ProvideMetaLog(newLogsEntry(p.Identifier()+1, 0, 0, 0, 0, 1)))
}

func TestFinalizeFailsPendingAppends(t *testing.T) {
	p := newProducer(t)
	p.LocalAppend("op0")
	p.LocalAppend("op1")
	p.LocalAppend("op2")

	p.Finalize(p.MetalogPosition())

	results := p.PollAppendResults()
	require.Len(t, results, 3)
	for _, result := range results {
		assert.Equal(t, protocol.InvalidLogSeqNum, result.Seqnum)
		assert.Equal(t, uint64(0), result.MetalogProgress)
	}
	assert.Equal(t, 0, p.NumPendingAppends())
	assert.Equal(t, StateFinalized, p.State())
}

func TestFinalizeFailsOnlyUncoveredAppends(t *testing.T) {
	p := newProducer(t)
	p.LocalAppend("op0")
	p.LocalAppend("op1")

	// Entry 0 covers the first append; only the second one fails.
	require.True(t, p.ProvideMetaLog(newLogsEntry(p.Identifier(), 0, 0, 0, 0, 1)))
	p.Finalize(1)

	results := p.PollAppendResults()
	require.Len(t, results, 2)
	assert.NotEqual(t, protocol.InvalidLogSeqNum, results[0].Seqnum)
	assert.Equal(t, protocol.InvalidLogSeqNum, results[1].Seqnum)
}
