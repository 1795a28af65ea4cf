package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/logspace"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/util/workerpool"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// MessageSender abstracts the typed inter-node streams.
type MessageSender interface {
	SendSharedLogMessage(connType protocol.ConnType, dstNodeID uint16,
		msg protocol.SharedLogMessage, payload []byte) bool
}

type storageShell struct {
	mu      sync.Mutex
	storage *logspace.LogStorage
}

// Node is the storage node service: it replicates raw log payloads, emits
// index-data packages aligned with metalog boundaries, reports shard
// progress to sequencers, answers point reads, and persists sequenced
// entries to the cold store.
type Node struct {
	nodeID uint16
	conf   config.StorageConfig

	sender  MessageSender
	backend *Backend
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger

	viewMu      sync.RWMutex
	currentView *view.View

	storages *logspace.Collection[*storageShell]

	engineMu          sync.Mutex
	registeredEngines map[uint16]bool
}

// NewNode creates a storage node.
func NewNode(nodeID uint16, conf config.StorageConfig, sender MessageSender,
	backend *Backend, m *metrics.Metrics, logger *zap.Logger) *Node {
	return &Node{
		nodeID:  nodeID,
		conf:    conf,
		sender:  sender,
		backend: backend,
		pool: workerpool.New(&workerpool.Config{
			Name:       "persist",
			MaxWorkers: conf.PersistWorkers,
			QueueSize:  conf.PersistQueueSize,
			Logger:     logger,
		}),
		metrics:           m,
		logger:            logger,
		storages:          logspace.NewCollection[*storageShell](),
		registeredEngines: make(map[uint16]bool),
	}
}

// Stop drains the persistence pool and closes the cold store.
func (n *Node) Stop(timeout time.Duration) error {
	if err := n.pool.Stop(timeout); err != nil {
		return err
	}
	return n.backend.Close()
}

// OnViewCreated installs per-phylog storage state for every active phylog
// this node replicates.
func (n *Node) OnViewCreated(v *view.View) {
	if !v.ContainsStorageNode(n.nodeID) {
		return
	}
	storageNode := v.GetStorageNode(n.nodeID)
	installed := 0
	for _, sequencerID := range v.SequencerNodes() {
		if !v.IsActivePhylog(sequencerID) {
			continue
		}
		if len(storageNode.LocalStorageShardIDs(sequencerID)) == 0 {
			continue
		}
		logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
		n.storages.Install(logspaceID, &storageShell{
			storage: logspace.NewLogStorage(n.nodeID, v, sequencerID, n.conf.MaxLiveEntries, n.logger),
		})
		installed++
	}
	n.viewMu.Lock()
	n.currentView = v
	n.viewMu.Unlock()
	n.logger.Info("Storage serving view",
		zap.Uint16("view_id", v.ID()), zap.Int("phylogs", installed))
}

// OnViewFrozen is a no-op for storage; replication stops once engines
// freeze.
func (n *Node) OnViewFrozen(v *view.View) {}

// OnViewFinalized discards pending entries of the finalized view.
func (n *Node) OnViewFinalized(fv *view.FinalizedView) {
	for _, shell := range n.storages.ForView(fv.View.ID()) {
		shell.mu.Lock()
		finalPosition := shell.storage.MetalogPosition()
		if pos, ok := fv.FinalMetalogPositions[shell.storage.Identifier()]; ok {
			finalPosition = pos
		}
		shell.storage.Finalize(finalPosition)
		results := shell.storage.PollReadResults()
		shell.mu.Unlock()
		n.sendReadResults(results)
	}
}

// OnRecvSharedLogMessage dispatches one message from a typed stream.
func (n *Node) OnRecvSharedLogMessage(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) {
	switch msg.Op {
	case protocol.OpRegister:
		n.engineMu.Lock()
		n.registeredEngines[srcNodeID] = true
		n.engineMu.Unlock()
		response := protocol.SharedLogMessage{Op: protocol.OpRegister, Result: protocol.ResultAppendOK,
			OriginNodeID: n.nodeID}
		n.sender.SendSharedLogMessage(protocol.ConnEngineToEngine, srcNodeID, response, nil)
	case protocol.OpReplicate:
		n.handleReplicate(srcNodeID, msg, payload)
	case protocol.OpReadAt:
		n.handleReadAt(msg)
	case protocol.OpSetAuxData:
		n.handleSetAuxData(msg, payload)
	case protocol.OpMetaLogs:
		n.handleMetaLogs(payload)
	default:
		n.logger.Error("Invalid message on storage ingress",
			zap.String("conn_type", connType.String()),
			zap.Uint16("op", uint16(msg.Op)))
	}
}

func (n *Node) handleReplicate(srcNodeID uint16, msg protocol.SharedLogMessage, payload []byte) {
	userTags, data, err := protocol.ParseTagsBuffer(payload, int(msg.NumTags))
	if err != nil {
		n.logger.Error("Malformed replicate payload", zap.Error(err))
		return
	}
	shell, ok := n.storages.Get(msg.LogspaceID)
	if !ok {
		n.logger.Warn("Replicate for unknown log space",
			zap.Uint32("logspace_id", msg.LogspaceID))
		return
	}
	n.engineMu.Lock()
	n.registeredEngines[srcNodeID] = true
	n.engineMu.Unlock()

	metadata := logspace.LogMetaData{
		UserLogspace: msg.UserLogspace,
		Seqnum:       protocol.InvalidLogSeqNum,
		LocalID:      msg.QuerySeqnum,
		NumTags:      int(msg.NumTags),
		DataSize:     len(data),
	}
	shell.mu.Lock()
	ok = shell.storage.Store(metadata, userTags, data)
	shell.mu.Unlock()
	if ok {
		n.metrics.ReplicatedEntriesTotal.Inc()
	}
}

func (n *Node) handleReadAt(msg protocol.SharedLogMessage) {
	shell, ok := n.storages.Get(msg.LogspaceID)
	if !ok {
		n.sendReadFailure(msg, protocol.ResultDataLost)
		return
	}
	shell.mu.Lock()
	shell.storage.ReadAt(msg)
	results := shell.storage.PollReadResults()
	shell.mu.Unlock()
	n.sendReadResults(results)
}

func (n *Node) handleSetAuxData(msg protocol.SharedLogMessage, payload []byte) {
	seqnum := bits.JoinTwo32(msg.LogspaceID, msg.SeqnumLowhalf)
	data := append([]byte(nil), payload...)
	if !n.pool.TrySubmit(workerpool.Task{
		ID: fmt.Sprintf("auxdata-%#x", seqnum),
		Fn: func(ctx context.Context) error {
			return n.backend.PutAuxData(seqnum, data)
		},
	}) {
		n.logger.Warn("Aux data write rejected by pool", zap.Uint64("seqnum", seqnum))
	}
}

func (n *Node) handleMetaLogs(payload []byte) {
	var metalogs wire.MetaLogsProto
	if err := wire.Unmarshal(payload, &metalogs); err != nil {
		n.logger.Error("Failed to parse metalogs", zap.Error(err))
		return
	}
	for _, entry := range metalogs.Metalogs {
		shell, ok := n.storages.Get(entry.LogspaceId)
		if !ok {
			continue
		}
		shell.mu.Lock()
		shell.storage.ProvideMetaLog(entry)
		results := shell.storage.PollReadResults()
		indexData := shell.storage.PollIndexData()
		n.metrics.LiveEntriesCurrent.Set(float64(shell.storage.NumLiveEntries()))
		shell.mu.Unlock()

		n.sendReadResults(results)
		if indexData != nil {
			n.sendIndexData(indexData)
		}
	}
}

// SendShardProgress pushes fresh shard progress vectors to the primary
// sequencer of every phylog. Invoked periodically by the server loop.
func (n *Node) SendShardProgress() {
	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil {
		return
	}
	for _, sequencerID := range v.SequencerNodes() {
		logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
		shell, ok := n.storages.Get(logspaceID)
		if !ok {
			continue
		}
		shell.mu.Lock()
		progress := shell.storage.GrabShardProgressForSending()
		shell.mu.Unlock()
		if progress == nil {
			continue
		}
		payload, err := wire.Marshal(&wire.ShardProgressProto{
			LogspaceId: logspaceID,
			Progresses: progress,
		})
		if err != nil {
			n.logger.Error("Failed to marshal shard progress", zap.Error(err))
			continue
		}
		msg := protocol.SharedLogMessage{
			Op:           protocol.OpShardProg,
			LogspaceID:   logspaceID,
			OriginNodeID: n.nodeID,
			PayloadSize:  uint32(len(payload)),
		}
		if !n.sender.SendSharedLogMessage(protocol.ConnStorageToSequencer, sequencerID, msg, payload) {
			n.logger.Warn("Failed to send shard progress",
				zap.Uint16("sequencer_id", sequencerID))
		}
	}
}

// sendIndexData ships index packages to the replicas of one index shard,
// rotating the shard per batch so the tier's stripes stay balanced, and
// to every engine that registered with this storage. Engines get the full
// stream because their local index covers the whole phylog; tier nodes
// each hold a stripe and reconcile at query time through the merger.
func (n *Node) sendIndexData(packages *wire.IndexDataPackagesProto) {
	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil {
		return
	}
	payload, err := wire.Marshal(packages)
	if err != nil {
		n.logger.Error("Failed to marshal index data", zap.Error(err))
		return
	}
	msg := protocol.SharedLogMessage{
		Op:           protocol.OpIndexData,
		LogspaceID:   packages.LogspaceId,
		OriginNodeID: n.nodeID,
		PayloadSize:  uint32(len(payload)),
	}
	if v.NumIndexShards() > 0 {
		indexShard := v.GetStorageNode(n.nodeID).PickIndexShard()
		for _, indexID := range v.IndexShardNodes(int(indexShard)) {
			n.sender.SendSharedLogMessage(protocol.ConnStorageToIndex, indexID, msg, payload)
		}
	}
	n.engineMu.Lock()
	engines := make([]uint16, 0, len(n.registeredEngines))
	for engineID := range n.registeredEngines {
		engines = append(engines, engineID)
	}
	n.engineMu.Unlock()
	for _, engineID := range engines {
		n.sender.SendSharedLogMessage(protocol.ConnStorageToIndex, engineID, msg, payload)
	}
}

// FlushToColdStore persists the live suffix of every phylog and advances
// the watermark once the backend write completes. Invoked periodically by
// the server loop; the write itself runs on the worker pool.
func (n *Node) FlushToColdStore() {
	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil {
		return
	}
	for _, sequencerID := range v.SequencerNodes() {
		logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
		shell, ok := n.storages.Get(logspaceID)
		if !ok {
			continue
		}
		shell.mu.Lock()
		entries, newPosition, ok := shell.storage.GrabLogEntriesForPersistence()
		shell.mu.Unlock()
		if !ok {
			continue
		}
		n.pool.TrySubmit(workerpool.Task{
			ID: fmt.Sprintf("persist-%#x", newPosition),
			Fn: func(ctx context.Context) error {
				if err := n.backend.PutEntries(entries); err != nil {
					return err
				}
				shell.mu.Lock()
				shell.storage.LogEntriesPersisted(newPosition)
				n.metrics.PersistedPosition.Set(float64(bits.LowHalf64(newPosition)))
				shell.mu.Unlock()
				return nil
			},
		})
	}
}

func (n *Node) sendReadResults(results []logspace.ReadResult) {
	for _, result := range results {
		switch result.Status {
		case logspace.ReadOK:
			n.metrics.ReadAtTotal.WithLabelValues("ok").Inc()
			n.sendReadResponse(result.OriginalRequest, result.Entry)
		case logspace.ReadLookupDB:
			n.metrics.ReadAtTotal.WithLabelValues("lookup_db").Inc()
			request := result.OriginalRequest
			n.pool.TrySubmit(workerpool.Task{
				ID: fmt.Sprintf("readdb-%#x", request.SeqnumLowhalf),
				Fn: func(ctx context.Context) error {
					seqnum := bits.JoinTwo32(request.LogspaceID, request.SeqnumLowhalf)
					entry, err := n.backend.GetEntry(seqnum)
					if err != nil {
						n.sendReadFailure(request, protocol.ResultDataLost)
						return err
					}
					if entry == nil {
						n.sendReadFailure(request, protocol.ResultDataLost)
						return nil
					}
					n.sendReadResponse(request, entry)
					return nil
				},
			})
		default:
			n.metrics.ReadAtTotal.WithLabelValues("failed").Inc()
			n.sendReadFailure(result.OriginalRequest, protocol.ResultDataLost)
		}
	}
}

func (n *Node) sendReadResponse(request protocol.SharedLogMessage, entry *logspace.LogEntry) {
	auxData, err := n.backend.GetAuxData(entry.Metadata.Seqnum)
	if err != nil {
		auxData = nil
	}
	payload := protocol.BuildTagsBuffer(entry.UserTags)
	payload = append(payload, entry.Data...)
	payload = append(payload, auxData...)

	response := protocol.NewResponse(protocol.ResultReadOK)
	response.LogspaceID = bits.HighHalf64(entry.Metadata.Seqnum)
	response.SeqnumLowhalf = bits.LowHalf64(entry.Metadata.Seqnum)
	response.UserLogspace = entry.Metadata.UserLogspace
	response.UserMetalogProgress = request.UserMetalogProgress
	response.OriginNodeID = n.nodeID
	response.HopTimes = request.HopTimes + 1
	response.ClientData = request.ClientData
	response.NumTags = uint16(len(entry.UserTags))
	response.AuxDataSize = uint16(len(auxData))
	response.PayloadSize = uint32(len(payload))
	if !n.sender.SendSharedLogMessage(protocol.ConnEngineToEngine, request.OriginNodeID, response, payload) {
		n.logger.Warn("Failed to send read response",
			zap.Uint16("engine_id", request.OriginNodeID))
	}
}

func (n *Node) sendReadFailure(request protocol.SharedLogMessage, result protocol.ResultType) {
	response := protocol.NewResponse(result)
	response.OriginNodeID = n.nodeID
	response.HopTimes = request.HopTimes + 1
	response.ClientData = request.ClientData
	n.sender.SendSharedLogMessage(protocol.ConnEngineToEngine, request.OriginNodeID, response, nil)
}
