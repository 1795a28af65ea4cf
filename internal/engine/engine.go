// Package engine implements the front door of the log service: it accepts
// function-worker operations, replicates appends to storage shards,
// resolves reads against the local cache and index, and falls back to the
// index tier on misses.
package engine

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
	"github.com/funclog/funclog/internal/index"
	"github.com/funclog/funclog/internal/logspace"
	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

const maxSendRetries = 3

// maxIndexMissRetries bounds re-dispatches of one read after index-tier
// misses before the engine gives up with EMPTY.
const maxIndexMissRetries = 3

// maxHopTimes bounds storage/index hops per read; exceeding it means the
// routing tables are looping, which no retry can fix.
const maxHopTimes = 8

type producerShell struct {
	mu       sync.Mutex
	producer *logspace.LogProducer
}

type indexShell struct {
	mu  sync.Mutex
	idx *index.Index
}

// Engine is the per-node shared log engine.
type Engine struct {
	nodeID         uint16
	storageShardID uint16
	conf           config.EngineConfig

	sender        MessageSender
	resultHandler ResultHandler
	metrics       *metrics.Metrics
	logger        *zap.Logger

	viewMu            sync.RWMutex
	currentView       *view.View
	currentViewActive bool
	missedView        *view.View
	registered        bool

	postponeRegistration bool
	postponeCaching      bool

	producers *logspace.Collection[*producerShell]
	indexes   *logspace.Collection[*indexShell]

	cache *LogCache

	fnCtxMu   sync.RWMutex
	fnCallCtx map[uint64]*FnCallContext

	ongoingMu       sync.Mutex
	ongoingReads    map[uint64]*LocalOp
	pendingLocalOps map[uint32][]*LocalOp

	trimMu sync.Mutex
	trims  map[uint32]uint64

	opPool   sync.Pool
	nextOpID atomic.Uint64
}

// New creates an engine. storageShardID is the local shard this engine
// appends through in every phylog, assigned at registration.
func New(nodeID uint16, storageShardID uint16, conf config.EngineConfig,
	sender MessageSender, resultHandler ResultHandler,
	m *metrics.Metrics, logger *zap.Logger) *Engine {
	e := &Engine{
		nodeID:          nodeID,
		storageShardID:  storageShardID,
		conf:            conf,
		sender:          sender,
		resultHandler:   resultHandler,
		metrics:         m,
		logger:          logger,
		producers:       logspace.NewCollection[*producerShell](),
		indexes:         logspace.NewCollection[*indexShell](),
		fnCallCtx:       make(map[uint64]*FnCallContext),
		ongoingReads:    make(map[uint64]*LocalOp),
		pendingLocalOps: make(map[uint32][]*LocalOp),
		trims:           make(map[uint32]uint64),
	}
	e.opPool.New = func() interface{} { return new(LocalOp) }
	for _, mod := range conf.PostponeRegistration {
		if int(nodeID)%mod == 0 {
			e.postponeRegistration = true
			logger.Info("Postponing registration", zap.Uint16("node_id", nodeID), zap.Int("arg", mod))
		}
	}
	for _, mod := range conf.PostponeCaching {
		if int(nodeID)%mod == 0 {
			e.postponeCaching = true
			logger.Info("Postponing caching", zap.Uint16("node_id", nodeID), zap.Int("arg", mod))
		}
	}
	if conf.EnableCache {
		cache, err := NewLogCache(conf.CacheCapMB, logger)
		if err != nil {
			logger.Fatal("Failed to create log cache", zap.Error(err))
		}
		e.cache = cache
	}
	return e
}

// AllocLocalOp takes an op from the pool with a fresh id.
func (e *Engine) AllocLocalOp() *LocalOp {
	op := e.opPool.Get().(*LocalOp)
	*op = LocalOp{ID: e.nextOpID.Add(1), StartTime: time.Now()}
	return op
}

func (e *Engine) returnOp(op *LocalOp) {
	e.opPool.Put(op)
}

// OnNewExternalFuncCall registers the shared-log context of a fresh
// function invocation.
func (e *Engine) OnNewExternalFuncCall(funcCallID uint64, userLogspace uint32) {
	e.fnCtxMu.Lock()
	defer e.fnCtxMu.Unlock()
	if _, ok := e.fnCallCtx[funcCallID]; ok {
		e.logger.Fatal("FuncCall already exists", zap.Uint64("call_id", funcCallID))
	}
	e.fnCallCtx[funcCallID] = &FnCallContext{
		UserLogspace: userLogspace,
		ParentCallID: InvalidFuncCallID,
	}
}

// OnNewInternalFuncCall registers a nested invocation; the child inherits
// the parent's metalog progress so its reads observe the parent's writes.
func (e *Engine) OnNewInternalFuncCall(funcCallID, parentCallID uint64) {
	e.fnCtxMu.Lock()
	defer e.fnCtxMu.Unlock()
	if _, ok := e.fnCallCtx[funcCallID]; ok {
		e.logger.Fatal("FuncCall already exists", zap.Uint64("call_id", funcCallID))
	}
	parent, ok := e.fnCallCtx[parentCallID]
	if !ok {
		e.logger.Fatal("Cannot find parent FuncCall", zap.Uint64("call_id", parentCallID))
	}
	e.fnCallCtx[funcCallID] = &FnCallContext{
		UserLogspace:    parent.UserLogspace,
		MetalogProgress: parent.MetalogProgress,
		ParentCallID:    parentCallID,
	}
}

// OnFuncCallCompleted drops the invocation's context.
func (e *Engine) OnFuncCallCompleted(funcCallID uint64) {
	e.fnCtxMu.Lock()
	defer e.fnCtxMu.Unlock()
	delete(e.fnCallCtx, funcCallID)
}

// HandleLocalOp routes one worker operation. While the engine postpones
// registration or caching, operations are acknowledged with no effect so
// experiments can measure the steady-state path.
func (e *Engine) HandleLocalOp(op *LocalOp) {
	e.fnCtxMu.RLock()
	ctx, ok := e.fnCallCtx[op.FuncCallID]
	if !ok {
		e.fnCtxMu.RUnlock()
		e.logger.Error("Cannot find FuncCall", zap.Uint64("call_id", op.FuncCallID))
		e.finishWithFailure(op, protocol.ResultBadArgs, 0)
		return
	}
	op.UserLogspace = ctx.UserLogspace
	op.MetalogProgress = ctx.MetalogProgress
	postponed := e.postponeCaching || !e.isRegistered()
	e.fnCtxMu.RUnlock()

	if postponed {
		e.finishPostponed(op)
		return
	}

	switch op.Type {
	case protocol.OpAppend:
		e.handleLocalAppend(op)
	case protocol.OpReadNext, protocol.OpReadPrev, protocol.OpReadNextB:
		e.metrics.ReadsTotal.WithLabelValues(readDirectionLabel(op.Type)).Inc()
		e.handleLocalRead(op)
	case protocol.OpTrim:
		e.handleLocalTrim(op)
	case protocol.OpSetAuxData:
		e.handleLocalSetAuxData(op)
	default:
		e.logger.Error("Unknown shared log op type", zap.Uint16("op", uint16(op.Type)))
		e.finishWithFailure(op, protocol.ResultBadArgs, 0)
	}
}

func (e *Engine) isRegistered() bool {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.registered
}

func (e *Engine) finishPostponed(op *LocalOp) {
	var result protocol.ResultType
	switch op.Type {
	case protocol.OpAppend:
		result = protocol.ResultAppendOK
	case protocol.OpReadNext, protocol.OpReadPrev, protocol.OpReadNextB:
		result = protocol.ResultReadOK
	case protocol.OpTrim:
		result = protocol.ResultTrimOK
	case protocol.OpSetAuxData:
		result = protocol.ResultAuxDataOK
	default:
		result = protocol.ResultBadArgs
	}
	e.finish(op, OpResult{Result: result, Seqnum: protocol.InvalidLogSeqNum})
}

func (e *Engine) handleLocalAppend(op *LocalOp) {
	e.viewMu.RLock()
	v := e.currentView
	active := e.currentViewActive
	e.viewMu.RUnlock()
	if v == nil || !active {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
		return
	}

	logspaceID := v.LogSpaceIdentifier(op.UserLogspace)
	sequencerID := bits.LowHalf32(logspaceID)
	shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, e.storageShardID))
	shell, ok := e.producers.Get(logspaceID)
	if !ok || shard == nil {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
		return
	}

	shell.mu.Lock()
	localID, _ := shell.producer.LocalAppend(op)
	shell.mu.Unlock()

	metadata := logspace.LogMetaData{
		UserLogspace: op.UserLogspace,
		Seqnum:       protocol.InvalidLogSeqNum,
		LocalID:      localID,
		NumTags:      len(op.UserTags),
		DataSize:     len(op.Data),
	}
	e.replicateLogEntry(shard, logspaceID, metadata, op.UserTags, op.Data)
}

// replicateLogEntry fans the entry out to every userlog replica of the
// shard. No individual acks: convergence is measured by the storage
// nodes' shard progress reports.
func (e *Engine) replicateLogEntry(shard *view.StorageShard, logspaceID uint32,
	metadata logspace.LogMetaData, userTags []uint64, data []byte) {
	payload := append(protocol.BuildTagsBuffer(userTags), data...)
	msg := protocol.NewReplicateMessage(logspaceID)
	msg.OriginNodeID = e.nodeID
	msg.StorageShardID = e.storageShardID
	msg.UserLogspace = metadata.UserLogspace
	msg.QuerySeqnum = metadata.LocalID
	msg.NumTags = uint16(len(userTags))
	msg.PayloadSize = uint32(len(payload))
	for _, storageID := range shard.StorageNodes() {
		if !e.sender.SendSharedLogMessage(protocol.ConnEngineToStorage, storageID, msg, payload) {
			e.logger.Warn("Failed to replicate log entry",
				zap.Uint16("storage_id", storageID))
		}
	}
}

func (e *Engine) handleLocalRead(op *LocalOp) {
	e.viewMu.RLock()
	v := e.currentView
	e.viewMu.RUnlock()
	if v == nil {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
		return
	}

	logspaceID := v.LogSpaceIdentifier(op.UserLogspace)
	sequencerID := bits.LowHalf32(logspaceID)
	shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, e.storageShardID))

	useLocalIndex := true
	if e.conf.ForceRemoteIndex {
		useLocalIndex = false
	} else if e.conf.ProbRemoteIndex > 0 && rand.Float64() < e.conf.ProbRemoteIndex {
		useLocalIndex = false
	}

	if useLocalIndex {
		if shell, ok := e.indexes.Get(logspaceID); ok {
			shell.mu.Lock()
			result := shell.idx.Lookup(e.buildIndexQuery(op))
			shell.mu.Unlock()
			e.processIndexQueryResult(op, v, shard, logspaceID, result)
			return
		}
	}
	e.sendIndexTierReadRequest(op, shard, logspaceID)
}

func (e *Engine) buildIndexQuery(op *LocalOp) index.Query {
	direction := index.QueryReadNext
	switch op.Type {
	case protocol.OpReadPrev:
		direction = index.QueryReadPrev
	case protocol.OpReadNextB:
		direction = index.QueryReadNextBlocking
	}
	return index.Query{
		Direction:       direction,
		UserLogspace:    op.UserLogspace,
		Tag:             op.QueryTag,
		Seqnum:          op.Seqnum,
		OriginNodeID:    e.nodeID,
		ClientData:      op.ID,
		MetalogProgress: op.MetalogProgress,
	}
}

func (e *Engine) processIndexQueryResult(op *LocalOp, v *view.View,
	shard *view.StorageShard, logspaceID uint32, result index.QueryResult) {
	switch result.State {
	case index.StateFound:
		e.processIndexFoundResult(op, v, logspaceID, result)
	case index.StateEmpty:
		if op.Type == protocol.OpReadNextB {
			e.parkPendingOp(logspaceID, op)
			return
		}
		e.finishWithFailure(op, protocol.ResultEmpty, result.MetalogProgress)
	case index.StateContinue:
		// The local index has not applied the progress the caller
		// requires; park blocking reads, push the rest to the tier.
		if op.Type == protocol.OpReadNextB {
			e.parkPendingOp(logspaceID, op)
			return
		}
		e.sendIndexTierReadRequest(op, shard, logspaceID)
	case index.StateMiss:
		e.sendIndexTierReadRequest(op, shard, logspaceID)
	}
}

func (e *Engine) processIndexFoundResult(op *LocalOp, v *view.View,
	logspaceID uint32, result index.QueryResult) {
	seqnum := result.Seqnum
	if e.cache != nil {
		if entry, ok := e.cache.Get(seqnum); ok {
			e.metrics.CacheHitsTotal.Inc()
			auxData, _ := e.cache.GetAuxData(seqnum)
			e.finish(op, OpResult{
				Result:          protocol.ResultReadOK,
				Seqnum:          seqnum,
				MetalogProgress: result.MetalogProgress,
				UserTags:        entry.UserTags,
				Data:            entry.Data,
				AuxData:         auxData,
			})
			return
		}
		e.metrics.CacheMissesTotal.Inc()
	}

	sequencerID := bits.LowHalf32(logspaceID)
	owningShard := v.GetStorageShard(bits.JoinTwo16(sequencerID, result.EngineID))
	if owningShard == nil {
		e.logger.Error("Found result names unknown shard",
			zap.Uint16("engine_id", result.EngineID))
		e.finishWithFailure(op, protocol.ResultDataLost, result.MetalogProgress)
		return
	}

	e.ongoingMu.Lock()
	e.ongoingReads[op.ID] = op
	e.ongoingMu.Unlock()

	msg := protocol.NewReadAtMessage(seqnum)
	msg.UserMetalogProgress = result.MetalogProgress
	msg.StorageShardID = owningShard.LocalShardID()
	msg.OriginNodeID = e.nodeID
	msg.ClientData = op.ID
	for i := 0; i < maxSendRetries; i++ {
		storageID := owningShard.PickStorageNode()
		if e.sender.SendSharedLogMessage(protocol.ConnEngineToStorage, storageID, msg, nil) {
			return
		}
	}
	e.metrics.MessagesDroppedTotal.Inc()
	e.ongoingMu.Lock()
	delete(e.ongoingReads, op.ID)
	e.ongoingMu.Unlock()
	e.finishWithFailure(op, protocol.ResultDataLost, result.MetalogProgress)
}

// sendIndexTierReadRequest ships the query to a merger node: a dedicated
// aggregator when the view has one, otherwise a master picked among the
// sharded index nodes. The merger fans out over the index shards and
// merges the partials.
func (e *Engine) sendIndexTierReadRequest(op *LocalOp, shard *view.StorageShard, logspaceID uint32) {
	if shard == nil {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
		return
	}
	shardedIndexNodes := shard.PickIndexNodePerShard()
	if len(shardedIndexNodes) == 0 {
		e.finishWithFailure(op, protocol.ResultEmpty, 0)
		return
	}
	mergerNode := shard.PickAggregatorNode(shardedIndexNodes)
	if shard.UseMasterSlaveMerging() {
		e.logger.Debug("Index tier query merged by master index node",
			zap.Uint16("master_node_id", mergerNode))
	}

	e.ongoingMu.Lock()
	e.ongoingReads[op.ID] = op
	e.ongoingMu.Unlock()

	msg := protocol.SharedLogMessage{
		Op:                  opTypeForRead(op.Type),
		LogspaceID:          logspaceID,
		UserLogspace:        op.UserLogspace,
		QueryTag:            op.QueryTag,
		QuerySeqnum:         op.Seqnum,
		UserMetalogProgress: op.MetalogProgress,
		OriginNodeID:        e.nodeID,
		ClientData:          op.ID,
	}
	for i := 0; i < maxSendRetries; i++ {
		if e.sender.SendSharedLogMessage(protocol.ConnEngineToIndex, mergerNode, msg, nil) {
			return
		}
	}
	e.metrics.MessagesDroppedTotal.Inc()
	e.ongoingMu.Lock()
	delete(e.ongoingReads, op.ID)
	e.ongoingMu.Unlock()
	e.finishWithFailure(op, protocol.ResultEmpty, 0)
}

func opTypeForRead(op protocol.OpType) protocol.OpType {
	// READ_NEXT_B degrades to READ_NEXT on the wire; blocking is an
	// engine-side concern.
	if op == protocol.OpReadNextB {
		return protocol.OpReadNext
	}
	return op
}

func (e *Engine) parkPendingOp(logspaceID uint32, op *LocalOp) {
	e.ongoingMu.Lock()
	defer e.ongoingMu.Unlock()
	e.pendingLocalOps[logspaceID] = append(e.pendingLocalOps[logspaceID], op)
}

func (e *Engine) handleLocalTrim(op *LocalOp) {
	e.trimMu.Lock()
	if op.Seqnum > e.trims[op.UserLogspace] {
		e.trims[op.UserLogspace] = op.Seqnum
	}
	e.trimMu.Unlock()
	e.finish(op, OpResult{Result: protocol.ResultTrimOK, Seqnum: op.Seqnum})
}

// TrimPosition returns the recorded trim horizon of a user logspace.
func (e *Engine) TrimPosition(userLogspace uint32) uint64 {
	e.trimMu.Lock()
	defer e.trimMu.Unlock()
	return e.trims[userLogspace]
}

func (e *Engine) handleLocalSetAuxData(op *LocalOp) {
	if e.cache != nil {
		e.cache.PutAuxData(op.Seqnum, op.Data)
	}
	if e.conf.PropagateAuxData {
		e.viewMu.RLock()
		v := e.currentView
		e.viewMu.RUnlock()
		if v != nil {
			logspaceID := v.LogSpaceIdentifier(op.UserLogspace)
			sequencerID := bits.LowHalf32(logspaceID)
			if shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, e.storageShardID)); shard != nil {
				msg := protocol.SharedLogMessage{
					Op:            protocol.OpSetAuxData,
					LogspaceID:    logspaceID,
					SeqnumLowhalf: bits.LowHalf64(op.Seqnum),
					OriginNodeID:  e.nodeID,
					PayloadSize:   uint32(len(op.Data)),
				}
				for _, storageID := range shard.StorageNodes() {
					e.sender.SendSharedLogMessage(protocol.ConnEngineToStorage, storageID, msg, op.Data)
				}
			}
		}
	}
	e.finish(op, OpResult{Result: protocol.ResultAuxDataOK, Seqnum: op.Seqnum})
}

// OnRecvSharedLogMessage dispatches a message from a typed stream.
func (e *Engine) OnRecvSharedLogMessage(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) {
	switch msg.Op {
	case protocol.OpMetaLogs:
		e.onRecvMetaLogs(payload)
	case protocol.OpIndexData:
		e.onRecvIndexData(payload)
	case protocol.OpResponse:
		e.onRecvResponse(msg, payload)
	case protocol.OpRegister:
		e.logger.Debug("Registration acknowledged",
			zap.Uint16("src_node_id", srcNodeID),
			zap.Uint64("metalog_progress", msg.UserMetalogProgress))
	default:
		e.logger.Error("Invalid message on engine ingress",
			zap.String("conn_type", connType.String()),
			zap.Uint16("op", uint16(msg.Op)))
	}
}

func (e *Engine) onRecvMetaLogs(payload []byte) {
	var metalogs wire.MetaLogsProto
	if err := wire.Unmarshal(payload, &metalogs); err != nil {
		e.logger.Error("Failed to parse metalogs", zap.Error(err))
		return
	}
	for _, entry := range metalogs.Metalogs {
		shell, ok := e.producers.Get(entry.LogspaceId)
		if !ok {
			e.logger.Warn("Metalog for unknown log space",
				zap.Uint32("logspace_id", entry.LogspaceId))
			continue
		}
		shell.mu.Lock()
		shell.producer.ProvideMetaLog(entry)
		results := shell.producer.PollAppendResults()
		shell.mu.Unlock()
		e.processAppendResults(results)

		// The local index horizon also advances from the metalog stream,
		// so parked reads can resolve before the packages arrive.
		if idxShell, ok := e.indexes.Get(entry.LogspaceId); ok {
			idxShell.mu.Lock()
			advanced := idxShell.idx.ProvideMetaLog(entry)
			idxShell.mu.Unlock()
			if advanced {
				e.retryPendingLocalOps(entry.LogspaceId)
			}
		}
	}
}

// processAppendResults acknowledges appends whose covering metalog entry
// has been applied locally. This is the write's linearization point from
// the worker's view.
func (e *Engine) processAppendResults(results []logspace.AppendResult) {
	for _, r := range results {
		op := r.CallerData.(*LocalOp)
		if r.Seqnum == protocol.InvalidLogSeqNum {
			e.finishWithFailure(op, protocol.ResultDiscarded, 0)
			continue
		}
		e.advanceFnCallProgress(op.FuncCallID, r.MetalogProgress)
		if e.cache != nil {
			e.cache.Put(logspace.LogMetaData{
				UserLogspace: op.UserLogspace,
				Seqnum:       r.Seqnum,
				LocalID:      r.LocalID,
				NumTags:      len(op.UserTags),
				DataSize:     len(op.Data),
			}, op.UserTags, op.Data)
		}
		e.metrics.AppendsTotal.Inc()
		e.metrics.AppendDuration.Observe(time.Since(op.StartTime).Seconds())
		e.finish(op, OpResult{
			Result:          protocol.ResultAppendOK,
			Seqnum:          r.Seqnum,
			MetalogProgress: r.MetalogProgress,
		})
	}
}

func (e *Engine) onRecvIndexData(payload []byte) {
	var packages wire.IndexDataPackagesProto
	if err := wire.Unmarshal(payload, &packages); err != nil {
		e.logger.Error("Failed to parse index data", zap.Error(err))
		return
	}
	shell, ok := e.indexes.Get(packages.LogspaceId)
	if !ok {
		return
	}
	advanced := false
	shell.mu.Lock()
	for _, pkg := range packages.Packages {
		if shell.idx.ProvideIndexData(pkg) {
			advanced = true
		}
	}
	shell.mu.Unlock()
	if advanced {
		e.retryPendingLocalOps(packages.LogspaceId)
	}
}

// retryPendingLocalOps replays parked reads once the local index horizon
// advanced.
func (e *Engine) retryPendingLocalOps(logspaceID uint32) {
	e.ongoingMu.Lock()
	parked := e.pendingLocalOps[logspaceID]
	delete(e.pendingLocalOps, logspaceID)
	e.ongoingMu.Unlock()
	for _, op := range parked {
		e.handleLocalRead(op)
	}
}

func (e *Engine) onRecvResponse(msg protocol.SharedLogMessage, payload []byte) {
	if msg.HopTimes > maxHopTimes {
		e.logger.Fatal("Response exceeded hop bound",
			zap.Uint16("hop_times", msg.HopTimes))
	}
	e.ongoingMu.Lock()
	op, ok := e.ongoingReads[msg.ClientData]
	if ok {
		delete(e.ongoingReads, msg.ClientData)
	}
	e.ongoingMu.Unlock()
	if !ok {
		// A late duplicate response for an op that already finished.
		return
	}

	switch msg.Result {
	case protocol.ResultReadOK:
		userTags, rest, err := protocol.ParseTagsBuffer(payload, int(msg.NumTags))
		if err != nil {
			e.logger.Error("Malformed read response", zap.Error(err))
			e.finishWithFailure(op, protocol.ResultDataLost, msg.UserMetalogProgress)
			return
		}
		dataLen := len(rest) - int(msg.AuxDataSize)
		if dataLen < 0 {
			e.finishWithFailure(op, protocol.ResultDataLost, msg.UserMetalogProgress)
			return
		}
		data, auxData := rest[:dataLen], rest[dataLen:]
		seqnum := bits.JoinTwo32(msg.LogspaceID, msg.SeqnumLowhalf)
		e.advanceFnCallProgress(op.FuncCallID, msg.UserMetalogProgress)
		if e.cache != nil {
			e.cache.Put(logspace.LogMetaData{
				UserLogspace: op.UserLogspace,
				Seqnum:       seqnum,
				NumTags:      len(userTags),
				DataSize:     len(data),
			}, userTags, data)
			if len(auxData) > 0 {
				e.cache.PutAuxData(seqnum, auxData)
			}
		}
		e.metrics.ReadDuration.Observe(time.Since(op.StartTime).Seconds())
		e.finish(op, OpResult{
			Result:          protocol.ResultReadOK,
			Seqnum:          seqnum,
			MetalogProgress: msg.UserMetalogProgress,
			UserTags:        userTags,
			Data:            data,
			AuxData:         auxData,
		})
	case protocol.ResultEmpty:
		e.finishWithFailure(op, protocol.ResultEmpty, msg.UserMetalogProgress)
	case protocol.ResultIndexMiss, protocol.ResultIndexContinue:
		op.remoteMisses++
		if op.remoteMisses > maxIndexMissRetries {
			e.finishWithFailure(op, protocol.ResultEmpty, msg.UserMetalogProgress)
			return
		}
		e.redispatchRead(op)
	case protocol.ResultDataLost:
		e.finishWithFailure(op, protocol.ResultDataLost, msg.UserMetalogProgress)
	default:
		e.logger.Error("Unknown response result",
			zap.Uint16("result", uint16(msg.Result)))
		e.finishWithFailure(op, protocol.ResultDataLost, 0)
	}
}

func (e *Engine) redispatchRead(op *LocalOp) {
	e.viewMu.RLock()
	v := e.currentView
	e.viewMu.RUnlock()
	if v == nil {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
		return
	}
	logspaceID := v.LogSpaceIdentifier(op.UserLogspace)
	sequencerID := bits.LowHalf32(logspaceID)
	shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, e.storageShardID))
	e.sendIndexTierReadRequest(op, shard, logspaceID)
}

func (e *Engine) advanceFnCallProgress(funcCallID uint64, metalogProgress uint64) {
	if metalogProgress == 0 {
		return
	}
	e.fnCtxMu.Lock()
	defer e.fnCtxMu.Unlock()
	if ctx, ok := e.fnCallCtx[funcCallID]; ok {
		if metalogProgress > ctx.MetalogProgress {
			ctx.MetalogProgress = metalogProgress
		}
	}
}

func (e *Engine) finish(op *LocalOp, result OpResult) {
	e.resultHandler(op, result)
	e.returnOp(op)
}

func (e *Engine) finishWithFailure(op *LocalOp, result protocol.ResultType, metalogProgress uint64) {
	e.metrics.OpFailuresTotal.WithLabelValues(resultLabel(result)).Inc()
	e.finish(op, OpResult{
		Result:          result,
		Seqnum:          protocol.InvalidLogSeqNum,
		MetalogProgress: metalogProgress,
	})
}

func readDirectionLabel(op protocol.OpType) string {
	switch op {
	case protocol.OpReadPrev:
		return "prev"
	case protocol.OpReadNextB:
		return "next_blocking"
	default:
		return "next"
	}
}

func resultLabel(result protocol.ResultType) string {
	switch result {
	case protocol.ResultEmpty:
		return "empty"
	case protocol.ResultDiscarded:
		return "discarded"
	case protocol.ResultDataLost:
		return "data_lost"
	case protocol.ResultBadArgs:
		return "bad_args"
	default:
		return "other"
	}
}

// OnViewCreated installs producers and local indexes for every active
// phylog of the new view. Engines postponing registration hold the view
// until their activation fires.
func (e *Engine) OnViewCreated(v *view.View) {
	e.viewMu.Lock()
	if e.postponeRegistration {
		e.missedView = v
		e.viewMu.Unlock()
		e.logger.Info("Holding view until activation", zap.Uint16("view_id", v.ID()))
		return
	}
	e.installView(v)
	e.viewMu.Unlock()
}

func (e *Engine) installView(v *view.View) {
	for _, sequencerID := range v.SequencerNodes() {
		if !v.IsActivePhylog(sequencerID) {
			continue
		}
		logspaceID := bits.JoinTwo16(v.ID(), sequencerID)
		e.producers.Install(logspaceID, &producerShell{
			producer: logspace.NewLogProducer(e.storageShardID, v, sequencerID, 0, 0, e.logger),
		})
		e.indexes.Install(logspaceID, &indexShell{
			idx: index.New(v, sequencerID, e.conf.PerTagSeqnumsLimit, e.conf.SeqnumSuffixCap, e.logger),
		})
	}
	e.currentView = v
	e.currentViewActive = true
	e.registered = true
	e.sendRegistrationRequests(v)
	e.logger.Info("Engine serving view", zap.Uint16("view_id", v.ID()))
}

// sendRegistrationRequests announces this engine to the sequencers and
// storage replicas it will talk to, so metalog and index-data broadcasts
// reach it.
func (e *Engine) sendRegistrationRequests(v *view.View) {
	for _, sequencerID := range v.SequencerNodes() {
		if !v.IsActivePhylog(sequencerID) {
			continue
		}
		msg := protocol.SharedLogMessage{
			Op:             protocol.OpRegister,
			LogspaceID:     bits.JoinTwo16(v.ID(), sequencerID),
			OriginNodeID:   e.nodeID,
			StorageShardID: e.storageShardID,
		}
		for i := 0; i < maxSendRetries; i++ {
			if e.sender.SendSharedLogMessage(protocol.ConnEngineToSequencer, sequencerID, msg, nil) {
				break
			}
		}
		if shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, e.storageShardID)); shard != nil {
			for _, storageID := range shard.StorageNodes() {
				e.sender.SendSharedLogMessage(protocol.ConnEngineToStorage, storageID, msg, nil)
			}
		}
	}
}

// Activate flips a postponed behavior; the key names the activation znode.
func (e *Engine) Activate(key string) {
	switch key {
	case "register":
		e.viewMu.Lock()
		if !e.postponeRegistration {
			e.viewMu.Unlock()
			return
		}
		e.postponeRegistration = false
		missed := e.missedView
		if missed == nil {
			e.viewMu.Unlock()
			e.logger.Warn("No view yet")
			return
		}
		e.missedView = nil
		e.installView(missed)
		e.viewMu.Unlock()
	case "cache":
		e.fnCtxMu.Lock()
		e.postponeCaching = false
		e.fnCtxMu.Unlock()
	default:
		e.logger.Error("Unknown activation command", zap.String("key", key))
	}
}

// OnViewFrozen stops admitting local appends on the view; producers keep
// draining metalog entries until finalization.
func (e *Engine) OnViewFrozen(v *view.View) {
	e.viewMu.Lock()
	if e.currentView == v {
		e.currentViewActive = false
	}
	e.viewMu.Unlock()
	for _, shell := range e.producers.ForView(v.ID()) {
		shell.mu.Lock()
		shell.producer.Freeze()
		shell.mu.Unlock()
	}
}

// OnViewFinalized resolves every in-flight operation of the view: pending
// appends fail with a retry signal, parked reads are discarded.
func (e *Engine) OnViewFinalized(fv *view.FinalizedView) {
	for _, shell := range e.producers.ForView(fv.View.ID()) {
		shell.mu.Lock()
		finalPosition := shell.producer.MetalogPosition()
		if pos, ok := fv.FinalMetalogPositions[shell.producer.Identifier()]; ok {
			finalPosition = pos
		}
		shell.producer.Finalize(finalPosition)
		results := shell.producer.PollAppendResults()
		shell.mu.Unlock()
		e.processAppendResults(results)
	}

	e.ongoingMu.Lock()
	var parked []*LocalOp
	for logspaceID, ops := range e.pendingLocalOps {
		if bits.HighHalf32(logspaceID) == fv.View.ID() {
			parked = append(parked, ops...)
			delete(e.pendingLocalOps, logspaceID)
		}
	}
	e.ongoingMu.Unlock()
	for _, op := range parked {
		e.finishWithFailure(op, protocol.ResultDiscarded, 0)
	}
}
