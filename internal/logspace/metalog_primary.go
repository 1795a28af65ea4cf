package logspace

import (
	"sort"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/errors"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

type shardStoragePair struct {
	shardID   uint16
	storageID uint16
}

// MetaLogPrimary is the sequencer FSM of one phylog. It folds per-storage
// shard progress reports into local cuts and emits NEW_LOGS metalog
// entries covering every dirty shard.
//
// Not safe for concurrent use; the owning sequencer serializes access.
type MetaLogPrimary struct {
	baseLogSpace

	shardProgresses map[shardStoragePair]uint32
	lastCut         map[uint16]uint32

	// dirtyShards keeps insertion order: the order shards turn dirty is
	// the order their deltas appear in the next NEW_LOGS entry.
	dirtyShards    []uint16
	dirtyShardSet  map[uint16]bool
	unblockedShards map[uint16]bool
	blockingChange  bool

	metalogProgresses         map[uint16]uint32
	replicatedMetalogPosition uint32

	// tailMetalogs retains recent entries for replica catch-up.
	tailMetalogs []*wire.MetaLogProto
	tailCap      int
}

// NewMetaLogPrimary creates the primary FSM for the phylog of sequencerID
// in the given view.
func NewMetaLogPrimary(v *view.View, sequencerID uint16, tailCap int, logger *zap.Logger) *MetaLogPrimary {
	p := &MetaLogPrimary{
		shardProgresses:   make(map[shardStoragePair]uint32),
		lastCut:           make(map[uint16]uint32),
		dirtyShardSet:     make(map[uint16]bool),
		unblockedShards:   make(map[uint16]bool),
		metalogProgresses: make(map[uint16]uint32),
		tailCap:           tailCap,
	}
	p.init(v, sequencerID, true, logger)
	p.delegate = p

	for _, shardID := range p.sequencerNode.StorageShardIDs() {
		shard := v.GetStorageShard(bits.JoinTwo16(sequencerID, shardID))
		for _, storageID := range shard.StorageNodes() {
			p.shardProgresses[shardStoragePair{shardID, storageID}] = 0
		}
		p.lastCut[shardID] = 0
		p.unblockedShards[shardID] = true
	}
	for _, replicaID := range p.sequencerNode.ReplicaSequencerNodes() {
		p.metalogProgresses[replicaID] = 0
	}
	if len(p.metalogProgresses) == 0 {
		logger.Warn("No metalog replication", zap.Uint32("logspace_id", p.identifier))
	}
	p.state = StateNormal
	return p
}

// UpdateStorageProgress folds one storage node's shard progress vector.
// The vector must cover exactly the node's local shards for this phylog,
// in the node's deterministic shard order.
func (p *MetaLogPrimary) UpdateStorageProgress(storageID uint16, progress []uint32) {
	if !p.view.ContainsStorageNode(storageID) {
		p.logger.Fatal("View does not contain storage node",
			zap.Uint16("view_id", p.view.ID()), zap.Uint16("storage_id", storageID))
	}
	storageNode := p.view.GetStorageNode(storageID)
	localShardIDs := storageNode.LocalStorageShardIDs(p.sequencerNode.NodeID())
	if len(progress) != len(localShardIDs) {
		p.logger.Fatal("Shard progress size does not match",
			zap.Int("have", len(progress)), zap.Int("expected", len(localShardIDs)))
	}
	for i, shardID := range localShardIDs {
		if !p.unblockedShards[shardID] {
			continue
		}
		pair := shardStoragePair{shardID, storageID}
		if progress[i] <= p.shardProgresses[pair] {
			continue
		}
		p.shardProgresses[pair] = progress[i]
		currentPosition := p.shardReplicatedPosition(shardID)
		if currentPosition > p.lastCut[shardID] {
			p.markDirty(shardID)
		}
	}
}

// UpdateReplicaProgress records a META_PROG acknowledgement from a backup
// sequencer. Receiving a position beyond the primary's own metalog
// position is a protocol violation.
func (p *MetaLogPrimary) UpdateReplicaProgress(sequencerID uint16, metalogPosition uint32) {
	if !p.sequencerNode.IsReplicaSequencerNode(sequencerID) {
		p.logger.Fatal("META_PROG from non-replica sequencer",
			zap.Uint16("sequencer_id", sequencerID))
	}
	if metalogPosition > p.metalogPosition {
		p.logger.Fatal("Receive future position",
			zap.Uint32("received", metalogPosition),
			zap.Uint32("current", p.metalogPosition))
	}
	if metalogPosition > p.metalogProgresses[sequencerID] {
		p.metalogProgresses[sequencerID] = metalogPosition
		p.updateReplicatedPosition()
	}
}

// MarkNextCut produces the next NEW_LOGS metalog entry, or nil when no
// shard is dirty. The entry covers every dirty shard in the order the
// shards turned dirty; the cut is applied to the local metalog before the
// caller broadcasts it.
func (p *MetaLogPrimary) MarkNextCut() *wire.MetaLogProto {
	if len(p.dirtyShards) == 0 {
		return nil
	}
	newLogs := &wire.NewLogsProto{
		StartSeqnum: p.LocalSeqnumPosition(),
	}
	totalDelta := uint32(0)
	for _, shardID := range p.dirtyShards {
		currentPosition := p.shardReplicatedPosition(shardID)
		delta := currentPosition - p.lastCut[shardID]
		if delta == 0 {
			p.logger.Fatal("Dirty shard with zero delta", zap.Uint16("shard_id", shardID))
		}
		newLogs.ShardIds = append(newLogs.ShardIds, uint32(shardID))
		newLogs.ShardStarts = append(newLogs.ShardStarts, p.lastCut[shardID])
		newLogs.ShardDeltas = append(newLogs.ShardDeltas, delta)
		p.lastCut[shardID] = currentPosition
		totalDelta += delta
	}
	entry := &wire.MetaLogProto{
		LogspaceId:    p.identifier,
		MetalogSeqnum: p.metalogPosition,
		Type:          wire.MetaLogNewLogs,
		NewLogs:       newLogs,
	}
	p.dirtyShards = p.dirtyShards[:0]
	p.dirtyShardSet = make(map[uint16]bool)
	p.blockingChange = false

	if !p.ProvideMetaLog(entry) {
		p.logger.Fatal("Failed to advance metalog position")
	}
	if newLogs.StartSeqnum+totalDelta != p.LocalSeqnumPosition() {
		p.logger.Fatal("Cut delta does not match seqnum position",
			zap.Uint32("start_seqnum", newLogs.StartSeqnum),
			zap.Uint32("total_delta", totalDelta),
			zap.Uint32("seqnum_position", p.LocalSeqnumPosition()))
	}
	return entry
}

// BlockShard removes a shard from cut eligibility for graceful scale-in
// and returns its current last cut. Blocking an already blocked shard is
// a no-op with the same result.
func (p *MetaLogPrimary) BlockShard(shardID uint16) (uint32, error) {
	lastCut, ok := p.lastCut[shardID]
	if !ok {
		return 0, errors.UnknownShard(shardID)
	}
	if !p.unblockedShards[shardID] {
		return lastCut, nil
	}
	if p.dirtyShardSet[shardID] {
		delete(p.dirtyShardSet, shardID)
		for i, id := range p.dirtyShards {
			if id == shardID {
				p.dirtyShards = append(p.dirtyShards[:i], p.dirtyShards[i+1:]...)
				break
			}
		}
	}
	delete(p.unblockedShards, shardID)
	p.blockingChange = true
	return lastCut, nil
}

// UnblockShard re-admits a blocked shard. Unblocking an unblocked shard
// is a no-op with the same result.
func (p *MetaLogPrimary) UnblockShard(shardID uint16) (uint32, error) {
	lastCut, ok := p.lastCut[shardID]
	if !ok {
		return 0, errors.UnknownShard(shardID)
	}
	if p.unblockedShards[shardID] {
		return lastCut, nil
	}
	p.unblockedShards[shardID] = true
	p.blockingChange = true
	// Progress reported while blocked becomes cut-eligible again.
	if p.shardReplicatedPosition(shardID) > lastCut {
		p.markDirty(shardID)
	}
	return lastCut, nil
}

// ReplicatedMetalogPosition returns the durable metalog position. Without
// replicas the primary's own position is authoritative.
func (p *MetaLogPrimary) ReplicatedMetalogPosition() uint32 {
	if len(p.metalogProgresses) == 0 {
		return p.metalogPosition
	}
	return p.replicatedMetalogPosition
}

// NumBlockedShards reports how many shards are currently blocked.
func (p *MetaLogPrimary) NumBlockedShards() int {
	return len(p.lastCut) - len(p.unblockedShards)
}

// TailMetalogs returns the retained metalog entries for replica catch-up.
func (p *MetaLogPrimary) TailMetalogs() []*wire.MetaLogProto {
	return p.tailMetalogs
}

func (p *MetaLogPrimary) markDirty(shardID uint16) {
	if p.dirtyShardSet[shardID] {
		return
	}
	p.dirtyShardSet[shardID] = true
	p.dirtyShards = append(p.dirtyShards, shardID)
}

func (p *MetaLogPrimary) shardReplicatedPosition(shardID uint16) uint32 {
	shard := p.view.GetStorageShard(bits.JoinTwo16(p.sequencerNode.NodeID(), shardID))
	minValue := ^uint32(0)
	for _, storageID := range shard.StorageNodes() {
		progress := p.shardProgresses[shardStoragePair{shardID, storageID}]
		if progress < minValue {
			minValue = progress
		}
	}
	return minValue
}

func (p *MetaLogPrimary) updateReplicatedPosition() {
	if p.replicatedMetalogPosition == p.metalogPosition {
		return
	}
	tmp := make([]uint32, 0, len(p.metalogProgresses))
	for _, progress := range p.metalogProgresses {
		tmp = append(tmp, progress)
	}
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	progress := tmp[len(tmp)/2]
	if progress < p.replicatedMetalogPosition || progress > p.metalogPosition {
		p.logger.Fatal("Replicated metalog position out of range",
			zap.Uint32("progress", progress),
			zap.Uint32("replicated", p.replicatedMetalogPosition),
			zap.Uint32("position", p.metalogPosition))
	}
	p.replicatedMetalogPosition = progress
}

func (p *MetaLogPrimary) onNewLogs(metalogSeqnum uint32, startSeqnum uint64, startLocalID uint64, delta uint32, shardID uint16) {
}

func (p *MetaLogPrimary) onMetaLogApplied(entry *wire.MetaLogProto) {
	p.tailMetalogs = append(p.tailMetalogs, entry)
	if p.tailCap > 0 && len(p.tailMetalogs) > p.tailCap {
		p.tailMetalogs = p.tailMetalogs[len(p.tailMetalogs)-p.tailCap:]
	}
}

func (p *MetaLogPrimary) onFinalized(metalogPosition uint32) {}
