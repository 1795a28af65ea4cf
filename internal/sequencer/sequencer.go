// Package sequencer implements the sequencer node: the primary FSM of its
// own phylog plus backup replicas of its peers' metalogs. A periodic tick
// turns accumulated shard progress into NEW_LOGS entries and broadcasts
// them to replicas, storages, engines, and the index tier.
package sequencer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/errors"
	"github.com/funclog/funclog/internal/logspace"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

const maxSendRetries = 3

// MessageSender abstracts the typed inter-node streams.
type MessageSender interface {
	SendSharedLogMessage(connType protocol.ConnType, dstNodeID uint16,
		msg protocol.SharedLogMessage, payload []byte) bool
}

type primaryShell struct {
	mu      sync.Mutex
	primary *logspace.MetaLogPrimary
}

type backupShell struct {
	mu     sync.Mutex
	backup *logspace.MetaLogBackup
}

// Node is the sequencer node service.
type Node struct {
	nodeID uint16
	conf   config.SequencerConfig

	sender  MessageSender
	metrics *metrics.Metrics
	logger  *zap.Logger

	viewMu      sync.RWMutex
	currentView *view.View

	primaries *logspace.Collection[*primaryShell]
	backups   *logspace.Collection[*backupShell]

	engineMu          sync.Mutex
	registeredEngines map[uint32]map[uint16]bool
}

// NewNode creates a sequencer node.
func NewNode(nodeID uint16, conf config.SequencerConfig, sender MessageSender,
	m *metrics.Metrics, logger *zap.Logger) *Node {
	return &Node{
		nodeID:            nodeID,
		conf:              conf,
		sender:            sender,
		metrics:           m,
		logger:            logger,
		primaries:         logspace.NewCollection[*primaryShell](),
		backups:           logspace.NewCollection[*backupShell](),
		registeredEngines: make(map[uint32]map[uint16]bool),
	}
}

// OnViewCreated installs the primary FSM for this node's phylog and backup
// state for every phylog replicating onto this node.
func (n *Node) OnViewCreated(v *view.View) {
	if !v.ContainsSequencerNode(n.nodeID) {
		return
	}
	if v.IsActivePhylog(n.nodeID) {
		logspaceID := bits.JoinTwo16(v.ID(), n.nodeID)
		n.primaries.Install(logspaceID, &primaryShell{
			primary: logspace.NewMetaLogPrimary(v, n.nodeID, n.conf.NumTailMetalogEntries, n.logger),
		})
	}
	for _, sequencerID := range v.SequencerNodes() {
		if sequencerID == n.nodeID || !v.IsActivePhylog(sequencerID) {
			continue
		}
		if !v.GetSequencerNode(sequencerID).IsReplicaSequencerNode(n.nodeID) {
			continue
		}
		logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
		n.backups.Install(logspaceID, &backupShell{
			backup: logspace.NewMetaLogBackup(v, sequencerID, n.logger),
		})
	}
	n.viewMu.Lock()
	n.currentView = v
	n.viewMu.Unlock()
	n.logger.Info("Sequencer serving view", zap.Uint16("view_id", v.ID()))
}

// OnViewFrozen is a no-op; freezing is driven through blocked shards.
func (n *Node) OnViewFrozen(v *view.View) {}

// OnViewFinalized finalizes this node's state machines for the view.
func (n *Node) OnViewFinalized(fv *view.FinalizedView) {
	for _, shell := range n.primaries.ForView(fv.View.ID()) {
		shell.mu.Lock()
		shell.primary.Finalize(shell.primary.MetalogPosition())
		shell.mu.Unlock()
	}
	for _, shell := range n.backups.ForView(fv.View.ID()) {
		shell.mu.Lock()
		finalPosition := shell.backup.MetalogPosition()
		if pos, ok := fv.FinalMetalogPositions[shell.backup.Identifier()]; ok {
			finalPosition = pos
		}
		shell.backup.Finalize(finalPosition)
		shell.mu.Unlock()
	}
}

// OnRecvSharedLogMessage dispatches one message from a typed stream.
func (n *Node) OnRecvSharedLogMessage(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) {
	switch msg.Op {
	case protocol.OpShardProg:
		n.handleShardProgress(srcNodeID, payload)
	case protocol.OpMetaLogs:
		n.handleReplicatedMetaLogs(srcNodeID, payload)
	case protocol.OpMetaProg:
		n.handleMetaProgress(srcNodeID, msg)
	case protocol.OpRegister:
		n.handleRegister(srcNodeID, msg)
	default:
		n.logger.Error("Invalid message on sequencer ingress",
			zap.String("conn_type", connType.String()),
			zap.Uint16("op", uint16(msg.Op)))
	}
}

func (n *Node) handleRegister(srcNodeID uint16, msg protocol.SharedLogMessage) {
	n.engineMu.Lock()
	engines, ok := n.registeredEngines[msg.LogspaceID]
	if !ok {
		engines = make(map[uint16]bool)
		n.registeredEngines[msg.LogspaceID] = engines
	}
	engines[srcNodeID] = true
	n.engineMu.Unlock()

	shell, ok := n.primaries.Get(msg.LogspaceID)
	if !ok {
		n.logger.Warn("Registration for phylog without local primary",
			zap.Uint32("logspace_id", msg.LogspaceID))
		return
	}
	shell.mu.Lock()
	metalogPosition := shell.primary.MetalogPosition()
	shell.mu.Unlock()

	response := protocol.SharedLogMessage{
		Op:                  protocol.OpRegister,
		Result:              protocol.ResultAppendOK,
		LogspaceID:          msg.LogspaceID,
		OriginNodeID:        n.nodeID,
		StorageShardID:      msg.StorageShardID,
		UserMetalogProgress: bits.JoinTwo32(msg.LogspaceID, metalogPosition),
	}
	n.sender.SendSharedLogMessage(protocol.ConnEngineToEngine, srcNodeID, response, nil)
}

// handleShardProgress folds one storage node's progress vector into the
// primary FSM.
func (n *Node) handleShardProgress(srcNodeID uint16, payload []byte) {
	var progress wire.ShardProgressProto
	if err := wire.Unmarshal(payload, &progress); err != nil {
		n.logger.Error("Failed to parse shard progress", zap.Error(err))
		return
	}
	shell, ok := n.primaries.Get(progress.LogspaceId)
	if !ok {
		n.logger.Warn("Shard progress for phylog without local primary",
			zap.Uint32("logspace_id", progress.LogspaceId))
		return
	}
	shell.mu.Lock()
	shell.primary.UpdateStorageProgress(srcNodeID, progress.Progresses)
	shell.mu.Unlock()
}

// handleReplicatedMetaLogs applies a primary's broadcast on the backup and
// acknowledges the new position.
func (n *Node) handleReplicatedMetaLogs(srcNodeID uint16, payload []byte) {
	var metalogs wire.MetaLogsProto
	if err := wire.Unmarshal(payload, &metalogs); err != nil {
		n.logger.Error("Failed to parse metalogs", zap.Error(err))
		return
	}
	for _, entry := range metalogs.Metalogs {
		shell, ok := n.backups.Get(entry.LogspaceId)
		if !ok {
			n.logger.Warn("Metalog replication for unknown phylog",
				zap.Uint32("logspace_id", entry.LogspaceId))
			continue
		}
		shell.mu.Lock()
		shell.backup.ProvideMetaLog(entry)
		position := shell.backup.MetalogPosition()
		shell.mu.Unlock()

		ack := protocol.SharedLogMessage{
			Op:            protocol.OpMetaProg,
			LogspaceID:    entry.LogspaceId,
			SeqnumLowhalf: position,
			OriginNodeID:  n.nodeID,
		}
		primaryID := bits.LowHalf32(entry.LogspaceId)
		n.sender.SendSharedLogMessage(protocol.ConnSequencerToSequencer, primaryID, ack, nil)
	}
}

// handleMetaProgress records a backup's acknowledged position.
func (n *Node) handleMetaProgress(srcNodeID uint16, msg protocol.SharedLogMessage) {
	shell, ok := n.primaries.Get(msg.LogspaceID)
	if !ok {
		n.logger.Warn("META_PROG for phylog without local primary",
			zap.Uint32("logspace_id", msg.LogspaceID))
		return
	}
	shell.mu.Lock()
	shell.primary.UpdateReplicaProgress(srcNodeID, msg.SeqnumLowhalf)
	n.metrics.ReplicatedPosition.Set(float64(shell.primary.ReplicatedMetalogPosition()))
	shell.mu.Unlock()
}

// MarkCutTick runs one local-cut interval: every primary with dirty shards
// emits one NEW_LOGS entry and broadcasts it. Invoked periodically by the
// server loop every local_cut_interval.
func (n *Node) MarkCutTick() {
	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil {
		return
	}
	logspaceID := bits.JoinTwo16(v.ID(), n.nodeID)
	shell, ok := n.primaries.Get(logspaceID)
	if !ok {
		return
	}
	shell.mu.Lock()
	entry := shell.primary.MarkNextCut()
	if entry != nil {
		totalDelta := uint32(0)
		for _, delta := range entry.NewLogs.ShardDeltas {
			totalDelta += delta
		}
		n.metrics.MetalogCutsTotal.Inc()
		n.metrics.MetalogEntriesDelta.Observe(float64(totalDelta))
		n.metrics.MetalogPosition.Set(float64(shell.primary.MetalogPosition()))
		n.metrics.BlockedShardsCurrent.Set(float64(shell.primary.NumBlockedShards()))
	}
	shell.mu.Unlock()
	if entry == nil {
		return
	}
	n.broadcastMetaLog(v, entry)
}

// broadcastMetaLog ships one entry to backup sequencers, storage nodes,
// index and aggregator nodes, and registered engines. Sends retry up to
// three times and are then dropped; the next periodic cut re-converges
// stragglers.
func (n *Node) broadcastMetaLog(v *view.View, entry *wire.MetaLogProto) {
	payload, err := wire.Marshal(&wire.MetaLogsProto{Metalogs: []*wire.MetaLogProto{entry}})
	if err != nil {
		n.logger.Error("Failed to marshal metalog", zap.Error(err))
		return
	}
	msg := protocol.SharedLogMessage{
		Op:           protocol.OpMetaLogs,
		LogspaceID:   entry.LogspaceId,
		OriginNodeID: n.nodeID,
		PayloadSize:  uint32(len(payload)),
	}

	sequencerNode := v.GetSequencerNode(n.nodeID)
	for _, replicaID := range sequencerNode.ReplicaSequencerNodes() {
		n.sendWithRetry(protocol.ConnSequencerToSequencer, replicaID, msg, payload)
	}
	for _, storageID := range v.StorageNodes() {
		n.sendWithRetry(protocol.ConnSequencerBroadcast, storageID, msg, payload)
	}
	for _, indexID := range v.IndexNodes() {
		n.sendWithRetry(protocol.ConnSequencerBroadcast, indexID, msg, payload)
	}
	for _, aggregatorID := range v.AggregatorNodes() {
		n.sendWithRetry(protocol.ConnSequencerBroadcast, aggregatorID, msg, payload)
	}
	n.engineMu.Lock()
	engines := make([]uint16, 0, len(n.registeredEngines[entry.LogspaceId]))
	for engineID := range n.registeredEngines[entry.LogspaceId] {
		engines = append(engines, engineID)
	}
	n.engineMu.Unlock()
	for _, engineID := range engines {
		n.sendWithRetry(protocol.ConnSequencerBroadcast, engineID, msg, payload)
	}
}

func (n *Node) sendWithRetry(connType protocol.ConnType, dstNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) {
	for i := 0; i < maxSendRetries; i++ {
		if n.sender.SendSharedLogMessage(connType, dstNodeID, msg, payload) {
			return
		}
	}
	n.metrics.MessagesDroppedTotal.Inc()
	n.logger.Warn("Dropped message after retries",
		zap.String("conn_type", connType.String()),
		zap.Uint16("dst_node_id", dstNodeID))
}

// BlockShard removes a shard from cut eligibility (graceful scale-in).
func (n *Node) BlockShard(logspaceID uint32, shardID uint16) (uint32, error) {
	shell, ok := n.primaries.Get(logspaceID)
	if !ok {
		return 0, errUnknownLogspace(logspaceID)
	}
	shell.mu.Lock()
	defer shell.mu.Unlock()
	return shell.primary.BlockShard(shardID)
}

// UnblockShard re-admits a blocked shard.
func (n *Node) UnblockShard(logspaceID uint32, shardID uint16) (uint32, error) {
	shell, ok := n.primaries.Get(logspaceID)
	if !ok {
		return 0, errUnknownLogspace(logspaceID)
	}
	shell.mu.Lock()
	defer shell.mu.Unlock()
	return shell.primary.UnblockShard(shardID)
}

func errUnknownLogspace(logspaceID uint32) error {
	return errors.InvalidArgument(fmt.Sprintf("no primary for log space %#x", logspaceID), nil)
}
