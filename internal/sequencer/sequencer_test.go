package sequencer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

type sentMessage struct {
	ConnType protocol.ConnType
	DstNode  uint16
	Msg      protocol.SharedLogMessage
	Payload  []byte
}

type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (s *fakeSender) SendSharedLogMessage(connType protocol.ConnType, dstNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, sentMessage{connType, dstNodeID, msg, append([]byte(nil), payload...)})
	return true
}

func (s *fakeSender) byOp(op protocol.OpType) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.messages {
		if m.Msg.Op == op {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

func testView(t *testing.T) *view.View {
	t.Helper()
	v, err := view.NewView(&view.ViewSpec{
		ID:                        1,
		MetalogReplicas:           2,
		UserlogReplicas:           3,
		IndexReplicas:             1,
		NumIndexShards:            1,
		NumPhylogs:                2,
		StorageShardsPerSequencer: 1,
		SequencerNodes:            []uint16{1, 2},
		StorageNodes:              []uint16{11, 12, 13},
		IndexNodes:                []uint16{21},
		HashSeed:                  7,
		HashTokens:                []uint16{1, 2},
	})
	require.NoError(t, err)
	return v
}

func newSequencerNode(t *testing.T, nodeID uint16, sender *fakeSender) *Node {
	t.Helper()
	m := metrics.NewWithRegistry("sequencer", nodeID, prometheus.NewRegistry())
	n := NewNode(nodeID, config.SequencerConfig{NumTailMetalogEntries: 32}, sender, m, zap.NewNop())
	n.OnViewCreated(testView(t))
	return n
}

func shardProgressPayload(t *testing.T, logspaceID uint32, progresses []uint32) []byte {
	t.Helper()
	payload, err := wire.Marshal(&wire.ShardProgressProto{
		LogspaceId: logspaceID,
		Progresses: progresses,
	})
	require.NoError(t, err)
	return payload
}

func TestCutBroadcastAfterStorageProgress(t *testing.T) {
	sender := &fakeSender{}
	n := newSequencerNode(t, 1, sender)
	logspaceID := bits.JoinTwo16(1, 1)

	// An engine registers so metalog broadcasts reach it.
	n.OnRecvSharedLogMessage(protocol.ConnEngineToSequencer, 4, protocol.SharedLogMessage{
		Op:         protocol.OpRegister,
		LogspaceID: logspaceID,
	}, nil)
	sender.reset()

	// No dirty shard, no broadcast.
	n.MarkCutTick()
	assert.Empty(t, sender.byOp(protocol.OpMetaLogs))

	for _, storageID := range []uint16{11, 12, 13} {
		n.OnRecvSharedLogMessage(protocol.ConnStorageToSequencer, storageID,
			protocol.SharedLogMessage{Op: protocol.OpShardProg, LogspaceID: logspaceID},
			shardProgressPayload(t, logspaceID, []uint32{5}))
	}
	n.MarkCutTick()

	broadcasts := sender.byOp(protocol.OpMetaLogs)
	// Replica 2, storages 11-13, index 21, engine 4.
	dsts := make(map[uint16]bool)
	for _, m := range broadcasts {
		dsts[m.DstNode] = true
	}
	assert.Len(t, broadcasts, 6)
	for _, want := range []uint16{2, 11, 12, 13, 21, 4} {
		assert.True(t, dsts[want], "missing broadcast to %d", want)
	}

	var decoded wire.MetaLogsProto
	require.NoError(t, wire.Unmarshal(broadcasts[0].Payload, &decoded))
	require.Len(t, decoded.Metalogs, 1)
	entry := decoded.Metalogs[0]
	assert.Equal(t, logspaceID, entry.LogspaceId)
	assert.Equal(t, []uint32{5}, entry.NewLogs.ShardDeltas)
}

func TestBackupAppliesAndAcksReplicatedMetalog(t *testing.T) {
	primarySender := &fakeSender{}
	primary := newSequencerNode(t, 1, primarySender)
	backupSender := &fakeSender{}
	backup := newSequencerNode(t, 2, backupSender)

	logspaceID := bits.JoinTwo16(1, 1)
	for _, storageID := range []uint16{11, 12, 13} {
		primary.OnRecvSharedLogMessage(protocol.ConnStorageToSequencer, storageID,
			protocol.SharedLogMessage{Op: protocol.OpShardProg, LogspaceID: logspaceID},
			shardProgressPayload(t, logspaceID, []uint32{3}))
	}
	primary.MarkCutTick()

	broadcasts := primarySender.byOp(protocol.OpMetaLogs)
	require.NotEmpty(t, broadcasts)

	// The backup applies the entry and acknowledges position 1.
	backup.OnRecvSharedLogMessage(protocol.ConnSequencerToSequencer, 1,
		broadcasts[0].Msg, broadcasts[0].Payload)

	acks := backupSender.byOp(protocol.OpMetaProg)
	require.Len(t, acks, 1)
	assert.Equal(t, uint16(1), acks[0].DstNode)
	assert.Equal(t, uint32(1), acks[0].Msg.SeqnumLowhalf)

	// Feeding the ack back advances the primary's replicated position.
	primary.OnRecvSharedLogMessage(protocol.ConnSequencerToSequencer, 2,
		acks[0].Msg, nil)
}

func TestRegisterResponseCarriesMetalogPosition(t *testing.T) {
	sender := &fakeSender{}
	n := newSequencerNode(t, 1, sender)
	logspaceID := bits.JoinTwo16(1, 1)

	n.OnRecvSharedLogMessage(protocol.ConnEngineToSequencer, 4, protocol.SharedLogMessage{
		Op:         protocol.OpRegister,
		LogspaceID: logspaceID,
	}, nil)

	responses := sender.byOp(protocol.OpRegister)
	require.Len(t, responses, 1)
	assert.Equal(t, uint16(4), responses[0].DstNode)
	assert.Equal(t, bits.JoinTwo32(logspaceID, 0), responses[0].Msg.UserMetalogProgress)
}

func TestBlockUnblockShard(t *testing.T) {
	sender := &fakeSender{}
	n := newSequencerNode(t, 1, sender)
	logspaceID := bits.JoinTwo16(1, 1)

	lastCut, err := n.BlockShard(logspaceID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), lastCut)

	// Progress on the blocked shard produces no cut.
	for _, storageID := range []uint16{11, 12, 13} {
		n.OnRecvSharedLogMessage(protocol.ConnStorageToSequencer, storageID,
			protocol.SharedLogMessage{Op: protocol.OpShardProg, LogspaceID: logspaceID},
			shardProgressPayload(t, logspaceID, []uint32{10}))
	}
	n.MarkCutTick()
	assert.Empty(t, sender.byOp(protocol.OpMetaLogs))

	_, err = n.UnblockShard(logspaceID, 0)
	require.NoError(t, err)
	for _, storageID := range []uint16{11, 12, 13} {
		n.OnRecvSharedLogMessage(protocol.ConnStorageToSequencer, storageID,
			protocol.SharedLogMessage{Op: protocol.OpShardProg, LogspaceID: logspaceID},
			shardProgressPayload(t, logspaceID, []uint32{10}))
	}
	n.MarkCutTick()
	broadcasts := sender.byOp(protocol.OpMetaLogs)
	require.NotEmpty(t, broadcasts)

	var decoded wire.MetaLogsProto
	require.NoError(t, wire.Unmarshal(broadcasts[0].Payload, &decoded))
	assert.Equal(t, []uint32{10}, decoded.Metalogs[0].NewLogs.ShardDeltas)

	_, err = n.BlockShard(logspaceID, 9)
	assert.Error(t, err)
}

func TestUnknownLogspaceOps(t *testing.T) {
	sender := &fakeSender{}
	n := newSequencerNode(t, 1, sender)

	_, err := n.BlockShard(0xdeadbeef, 0)
	assert.Error(t, err)
	_, err = n.UnblockShard(0xdeadbeef, 0)
	assert.Error(t, err)
}
