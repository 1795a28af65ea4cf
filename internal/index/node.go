package index

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
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

type indexShell struct {
	mu  sync.Mutex
	idx *Index
}

// Node is the index-tier node service. Index-data packages are striped
// over the index shards, so one node holds one stripe of the phylog's
// index; an engine query lands on a merger (a dedicated aggregator node,
// or a master index node when the view has none) that answers its own
// stripe, fans sub-queries to one replica of every other shard, and
// merges the partials. On a merged hit the node forwards the point read
// straight to a storage replica, which responds to the originating
// engine; only non-hits travel back through the engine.
type Node struct {
	nodeID uint16
	conf   config.IndexConfig

	sender     MessageSender
	aggregator *Aggregator
	metrics    *metrics.Metrics
	logger     *zap.Logger

	viewMu      sync.RWMutex
	currentView *view.View

	indexes *logspace.Collection[*indexShell]
}

// NewNode creates an index or aggregator node.
func NewNode(nodeID uint16, conf config.IndexConfig, sender MessageSender,
	m *metrics.Metrics, logger *zap.Logger) *Node {
	return &Node{
		nodeID:     nodeID,
		conf:       conf,
		sender:     sender,
		aggregator: NewAggregator(logger),
		metrics:    m,
		logger:     logger,
		indexes:    logspace.NewCollection[*indexShell](),
	}
}

// OnViewCreated installs a per-phylog index stripe for every active
// phylog. Aggregator nodes hold no stripe; they only merge.
func (n *Node) OnViewCreated(v *view.View) {
	if v.ContainsIndexNode(n.nodeID) {
		for _, sequencerID := range v.SequencerNodes() {
			if !v.IsActivePhylog(sequencerID) {
				continue
			}
			logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
			n.indexes.Install(logspaceID, &indexShell{
				idx: New(v, sequencerID, n.conf.PerTagSeqnumsLimit, n.conf.SeqnumSuffixCap, n.logger),
			})
		}
	}
	n.viewMu.Lock()
	n.currentView = v
	n.viewMu.Unlock()
	n.logger.Info("Index serving view", zap.Uint16("view_id", v.ID()))
}

// OnViewFrozen is a no-op for the index tier.
func (n *Node) OnViewFrozen(v *view.View) {}

// OnViewFinalized drops index stripes and pending merges of the view.
func (n *Node) OnViewFinalized(fv *view.FinalizedView) {
	n.indexes.RemoveView(fv.View.ID())
	n.aggregator.Reset()
}

// OnRecvSharedLogMessage dispatches one message from a typed stream.
func (n *Node) OnRecvSharedLogMessage(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) {
	switch msg.Op {
	case protocol.OpIndexData:
		n.handleIndexData(payload)
	case protocol.OpMetaLogs:
		n.handleMetaLogs(payload)
	case protocol.OpReadNext, protocol.OpReadPrev, protocol.OpReadNextB:
		n.handleQuery(srcNodeID, msg)
	case protocol.OpResponse:
		n.handlePartialResult(msg)
	default:
		n.logger.Error("Invalid message on index ingress",
			zap.String("conn_type", connType.String()),
			zap.Uint16("op", uint16(msg.Op)))
	}
}

func (n *Node) handleIndexData(payload []byte) {
	var packages wire.IndexDataPackagesProto
	if err := wire.Unmarshal(payload, &packages); err != nil {
		n.logger.Error("Failed to parse index data", zap.Error(err))
		return
	}
	shell, ok := n.indexes.Get(packages.LogspaceId)
	if !ok {
		n.logger.Warn("Index data for unknown log space",
			zap.Uint32("logspace_id", packages.LogspaceId))
		return
	}
	shell.mu.Lock()
	for _, pkg := range packages.Packages {
		if shell.idx.ProvideIndexData(pkg) {
			n.metrics.IndexHorizonCurrent.Set(float64(shell.idx.MetalogHorizon()))
		}
		n.metrics.IndexIngestTotal.Inc()
	}
	shell.mu.Unlock()
}

// handleMetaLogs bounds the index horizon from the sequencer broadcast;
// packages striped onto other shards never arrive here, so the metalog is
// what proves a position complete for this stripe.
func (n *Node) handleMetaLogs(payload []byte) {
	var metalogs wire.MetaLogsProto
	if err := wire.Unmarshal(payload, &metalogs); err != nil {
		n.logger.Error("Failed to parse metalogs", zap.Error(err))
		return
	}
	for _, entry := range metalogs.Metalogs {
		shell, ok := n.indexes.Get(entry.LogspaceId)
		if !ok {
			continue
		}
		shell.mu.Lock()
		if shell.idx.ProvideMetaLog(entry) {
			n.metrics.IndexHorizonCurrent.Set(float64(shell.idx.MetalogHorizon()))
		}
		shell.mu.Unlock()
	}
}

// handleQuery serves one seek. Sub-queries answer only the local stripe;
// engine queries make this node the merger for the whole tier.
func (n *Node) handleQuery(srcNodeID uint16, msg protocol.SharedLogMessage) {
	query := Query{
		Direction:       directionFromOp(msg.Op),
		UserLogspace:    msg.UserLogspace,
		Tag:             msg.QueryTag,
		Seqnum:          msg.QuerySeqnum,
		OriginNodeID:    msg.OriginNodeID,
		HopTimes:        msg.HopTimes,
		ClientData:      msg.ClientData,
		MetalogProgress: msg.UserMetalogProgress,
	}

	if msg.Flags&protocol.FlagSubQuery != 0 {
		result := n.lookupLocal(msg.LogspaceID, query)
		n.sendPartialResult(srcNodeID, msg.LogspaceID, result)
		return
	}

	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil || v.NumIndexShards() == 0 {
		n.sendQueryFailure(query, protocol.ResultIndexMiss, 0)
		return
	}

	// Shards this node serves are covered by its own stripe lookup; the
	// rest need one sub-query per shard, deduplicated by target node.
	var myDescriptor *view.Index
	if v.ContainsIndexNode(n.nodeID) {
		myDescriptor = v.GetIndexNode(n.nodeID)
	}
	targetSet := make(map[uint16]bool)
	for s := 0; s < v.NumIndexShards(); s++ {
		if myDescriptor != nil && myDescriptor.IsIndexShardMember(uint16(s)) {
			continue
		}
		replicas := v.IndexShardNodes(s)
		targetSet[replicas[rand.Intn(len(replicas))]] = true
	}
	targets := make([]uint16, 0, len(targetSet))
	for target := range targetSet {
		targets = append(targets, target)
	}

	if myDescriptor != nil && len(targets) == 0 {
		// This node covers every shard; no fan-out needed.
		n.processQueryResult(msg.LogspaceID, n.lookupLocal(msg.LogspaceID, query))
		return
	}

	expected := len(targets)
	if myDescriptor != nil {
		expected++
	}
	key := MergeKey{OriginNodeID: query.OriginNodeID, ClientData: query.ClientData}
	n.aggregator.Expect(key, expected, query)

	if myDescriptor != nil {
		if merged, done := n.aggregator.HandleResult(key, n.lookupLocal(msg.LogspaceID, query)); done {
			n.processQueryResult(msg.LogspaceID, merged)
			return
		}
	}

	subQuery := msg
	subQuery.Flags |= protocol.FlagSubQuery
	for _, target := range targets {
		sent := false
		for i := 0; i < maxSendRetries; i++ {
			if n.sender.SendSharedLogMessage(protocol.ConnEngineToIndex, target, subQuery, nil) {
				sent = true
				break
			}
		}
		if sent {
			continue
		}
		// An unreachable stripe cannot prove anything; count it as a miss
		// so the merge still completes.
		n.metrics.MessagesDroppedTotal.Inc()
		if merged, done := n.aggregator.HandleResult(key, QueryResult{
			State:           StateMiss,
			MetalogProgress: bits.JoinTwo32(msg.LogspaceID, 0),
		}); done {
			n.processQueryResult(msg.LogspaceID, merged)
			return
		}
	}
}

// lookupLocal answers against this node's stripe; without one the range
// is undecidable here.
func (n *Node) lookupLocal(logspaceID uint32, query Query) QueryResult {
	shell, ok := n.indexes.Get(logspaceID)
	if !ok {
		return QueryResult{
			State:           StateMiss,
			MetalogProgress: bits.JoinTwo32(logspaceID, 0),
			Original:        query,
		}
	}
	shell.mu.Lock()
	defer shell.mu.Unlock()
	return shell.idx.Lookup(query)
}

// handlePartialResult merges one slave stripe's answer.
func (n *Node) handlePartialResult(msg protocol.SharedLogMessage) {
	key := MergeKey{OriginNodeID: msg.OriginNodeID, ClientData: msg.ClientData}
	partial := QueryResult{
		State:           stateFromResult(msg.Result),
		EngineID:        msg.StorageShardID,
		MetalogProgress: msg.UserMetalogProgress,
	}
	if partial.State == StateFound {
		partial.Seqnum = bits.JoinTwo32(msg.LogspaceID, msg.SeqnumLowhalf)
	}
	merged, done := n.aggregator.HandleResult(key, partial)
	if done {
		n.processQueryResult(msg.LogspaceID, merged)
	}
}

func (n *Node) processQueryResult(logspaceID uint32, result QueryResult) {
	query := result.Original
	switch result.State {
	case StateFound:
		n.metrics.IndexQueriesTotal.WithLabelValues("found").Inc()
		n.sendStorageReadRequest(logspaceID, result)
	case StateEmpty:
		n.metrics.IndexQueriesTotal.WithLabelValues("empty").Inc()
		n.sendQueryFailure(query, protocol.ResultEmpty, result.MetalogProgress)
	case StateContinue:
		n.metrics.IndexQueriesTotal.WithLabelValues("continue").Inc()
		n.sendQueryFailure(query, protocol.ResultIndexContinue, result.MetalogProgress)
	case StateMiss:
		n.metrics.IndexQueriesTotal.WithLabelValues("miss").Inc()
		n.sendQueryFailure(query, protocol.ResultIndexMiss, result.MetalogProgress)
	}
}

// sendStorageReadRequest forwards a hit to a storage replica of the
// owning shard; the storage node answers the origin engine directly.
func (n *Node) sendStorageReadRequest(logspaceID uint32, result QueryResult) {
	n.viewMu.RLock()
	v := n.currentView
	n.viewMu.RUnlock()
	if v == nil {
		n.sendQueryFailure(result.Original, protocol.ResultDataLost, 0)
		return
	}
	sequencerID := bits.LowHalf32(logspaceID)
	shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, result.EngineID))
	if shard == nil {
		n.sendQueryFailure(result.Original, protocol.ResultDataLost, 0)
		return
	}
	request := protocol.NewReadAtMessage(result.Seqnum)
	request.UserMetalogProgress = result.MetalogProgress
	request.StorageShardID = shard.LocalShardID()
	request.OriginNodeID = result.Original.OriginNodeID
	request.HopTimes = result.Original.HopTimes + 1
	request.ClientData = result.Original.ClientData
	for i := 0; i < maxSendRetries; i++ {
		storageID := shard.PickStorageNode()
		if n.sender.SendSharedLogMessage(protocol.ConnEngineToStorage, storageID, request, nil) {
			return
		}
	}
	n.metrics.MessagesDroppedTotal.Inc()
	n.sendQueryFailure(result.Original, protocol.ResultDataLost, result.MetalogProgress)
}

// sendPartialResult answers a sub-query back to its merger.
func (n *Node) sendPartialResult(mergerNodeID uint16, logspaceID uint32, result QueryResult) {
	response := protocol.NewResponse(partialResultType(result.State))
	response.LogspaceID = logspaceID
	if result.State == StateFound {
		response.SeqnumLowhalf = bits.LowHalf64(result.Seqnum)
		response.StorageShardID = result.EngineID
	}
	response.UserMetalogProgress = result.MetalogProgress
	// The origin engine id travels with the partial so the merger can
	// rebuild the merge key.
	response.OriginNodeID = result.Original.OriginNodeID
	response.HopTimes = result.Original.HopTimes + 1
	response.ClientData = result.Original.ClientData
	if !n.sender.SendSharedLogMessage(protocol.ConnIndexToAggregator, mergerNodeID, response, nil) {
		n.logger.Warn("Failed to send partial result",
			zap.Uint16("merger_node_id", mergerNodeID))
	}
}

func (n *Node) sendQueryFailure(query Query, result protocol.ResultType, metalogProgress uint64) {
	response := protocol.NewResponse(result)
	response.UserMetalogProgress = metalogProgress
	response.OriginNodeID = n.nodeID
	response.HopTimes = query.HopTimes + 1
	response.ClientData = query.ClientData
	if !n.sender.SendSharedLogMessage(protocol.ConnEngineToEngine, query.OriginNodeID, response, nil) {
		n.logger.Warn("Failed to send query failure",
			zap.Uint16("engine_id", query.OriginNodeID))
	}
}

func directionFromOp(op protocol.OpType) QueryDirection {
	switch op {
	case protocol.OpReadPrev:
		return QueryReadPrev
	case protocol.OpReadNextB:
		return QueryReadNextBlocking
	default:
		return QueryReadNext
	}
}

func stateFromResult(result protocol.ResultType) QueryState {
	switch result {
	case protocol.ResultIndexFound:
		return StateFound
	case protocol.ResultIndexContinue:
		return StateContinue
	case protocol.ResultIndexMiss:
		return StateMiss
	default:
		return StateEmpty
	}
}

func partialResultType(state QueryState) protocol.ResultType {
	switch state {
	case StateFound:
		return protocol.ResultIndexFound
	case StateContinue:
		return protocol.ResultIndexContinue
	case StateMiss:
		return protocol.ResultIndexMiss
	default:
		return protocol.ResultEmpty
	}
}
