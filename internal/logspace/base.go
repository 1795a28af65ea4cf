// Package logspace implements the per-phylog state machines: the primary
// sequencer FSM that assembles local cuts into metalog entries, the backup
// replica, the engine-side log producer, and the storage-side entry store.
// All of them advance by applying metalog entries in metalog_seqnum order.
package logspace

import (
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// State tracks the lifecycle of a phylog's local state machine.
type State int

const (
	StateCreated State = iota
	StateNormal
	StateFrozen
	StateFinalized
)

// LogMetaData is the fixed metadata of one log entry.
type LogMetaData struct {
	UserLogspace uint32
	Seqnum       uint64
	LocalID      uint64
	NumTags      int
	DataSize     int
}

// LogEntry is a fully materialized log record. Instances are shared
// immutable once sequenced.
type LogEntry struct {
	Metadata LogMetaData
	UserTags []uint64
	Data     []byte
}

// applyDelegate receives per-shard callbacks while a metalog entry is
// applied. The concrete log space types implement the hooks they need.
type applyDelegate interface {
	// onNewLogs is invoked once per interesting shard triple of a
	// NEW_LOGS entry, with the absolute start seqnum and start localid.
	onNewLogs(metalogSeqnum uint32, startSeqnum uint64, startLocalID uint64, delta uint32, shardID uint16)
	// onMetaLogApplied runs after a whole entry has been applied.
	onMetaLogApplied(entry *wire.MetaLogProto)
	// onFinalized runs when the log space is finalized.
	onFinalized(metalogPosition uint32)
}

// baseLogSpace holds the metalog application machinery shared by all
// per-phylog state machines. Entries arriving out of order are buffered
// until the gap closes.
type baseLogSpace struct {
	state      State
	identifier uint32

	view          *view.View
	sequencerNode *view.Sequencer

	metalogPosition uint32
	seqnumPosition  uint64

	interestedShards map[uint16]bool
	applyAllShards   bool

	pendingMetalogs map[uint32]*wire.MetaLogProto

	delegate applyDelegate
	logger   *zap.Logger
}

func (b *baseLogSpace) init(v *view.View, sequencerID uint16, applyAllShards bool, logger *zap.Logger) {
	b.state = StateCreated
	b.view = v
	b.sequencerNode = v.GetSequencerNode(sequencerID)
	if b.sequencerNode == nil {
		logger.Fatal("Unknown sequencer for log space",
			zap.Uint16("view_id", v.ID()), zap.Uint16("sequencer_id", sequencerID))
	}
	b.identifier = bits.JoinTwo16(v.ID(), sequencerID)
	b.seqnumPosition = bits.JoinTwo32(b.identifier, 0)
	b.interestedShards = make(map[uint16]bool)
	b.applyAllShards = applyAllShards
	b.pendingMetalogs = make(map[uint32]*wire.MetaLogProto)
	b.logger = logger
}

// Identifier returns the 32-bit phylog id (view_id||sequencer_id).
func (b *baseLogSpace) Identifier() uint32 { return b.identifier }

// MetalogPosition returns the next expected metalog seqnum.
func (b *baseLogSpace) MetalogPosition() uint32 { return b.metalogPosition }

// SeqnumPosition returns the full 64-bit position of the next seqnum.
func (b *baseLogSpace) SeqnumPosition() uint64 { return b.seqnumPosition }

// LocalSeqnumPosition returns the low half of the seqnum position.
func (b *baseLogSpace) LocalSeqnumPosition() uint32 { return bits.LowHalf64(b.seqnumPosition) }

// State returns the lifecycle state.
func (b *baseLogSpace) State() State { return b.state }

func (b *baseLogSpace) addInterestedShard(shardID uint16) {
	b.interestedShards[shardID] = true
}

// setStartPosition fast-forwards a state machine created mid-view to the
// registration point handed out by the sequencer.
func (b *baseLogSpace) setStartPosition(metalogPosition uint32, localSeqnumPosition uint32) {
	b.metalogPosition = metalogPosition
	b.seqnumPosition = bits.JoinTwo32(b.identifier, localSeqnumPosition)
}

// ProvideMetaLog feeds one metalog entry. Entries below the current
// position are ignored, the current entry is applied together with any
// buffered successors, and future entries are buffered. Returns false for
// entries belonging to a different phylog.
func (b *baseLogSpace) ProvideMetaLog(entry *wire.MetaLogProto) bool {
	if entry.LogspaceId != b.identifier {
		return false
	}
	// Frozen state machines still drain the metalog; only finalization
	// stops application.
	if b.state != StateNormal && b.state != StateFrozen {
		return false
	}
	if entry.MetalogSeqnum < b.metalogPosition {
		return true
	}
	if entry.MetalogSeqnum > b.metalogPosition {
		b.pendingMetalogs[entry.MetalogSeqnum] = entry
		return true
	}
	b.applyMetaLog(entry)
	for {
		next, ok := b.pendingMetalogs[b.metalogPosition]
		if !ok {
			break
		}
		delete(b.pendingMetalogs, next.MetalogSeqnum)
		b.applyMetaLog(next)
	}
	return true
}

func (b *baseLogSpace) applyMetaLog(entry *wire.MetaLogProto) {
	switch entry.Type {
	case wire.MetaLogNewLogs:
		newLogs := entry.NewLogs
		if newLogs == nil {
			b.logger.Fatal("NEW_LOGS metalog entry without body",
				zap.Uint32("metalog_seqnum", entry.MetalogSeqnum))
		}
		startSeqnum := bits.JoinTwo32(b.identifier, newLogs.StartSeqnum)
		if startSeqnum != b.seqnumPosition {
			b.logger.Fatal("Metalog start seqnum does not match position",
				zap.Uint64("start_seqnum", startSeqnum),
				zap.Uint64("seqnum_position", b.seqnumPosition))
		}
		for i, shardID32 := range newLogs.ShardIds {
			shardID := uint16(shardID32)
			delta := newLogs.ShardDeltas[i]
			if b.applyAllShards || b.interestedShards[shardID] {
				startLocalID := bits.JoinTwo32(uint32(shardID), newLogs.ShardStarts[i])
				b.delegate.onNewLogs(entry.MetalogSeqnum, startSeqnum, startLocalID, delta, shardID)
			}
			startSeqnum += uint64(delta)
		}
		b.seqnumPosition = startSeqnum
	default:
		b.logger.Fatal("Unknown metalog entry type", zap.Int32("type", int32(entry.Type)))
	}
	b.metalogPosition = entry.MetalogSeqnum + 1
	b.delegate.onMetaLogApplied(entry)
}

// Freeze stops the state machine from admitting new work; buffered
// metalog entries may still be applied during finalization.
func (b *baseLogSpace) Freeze() {
	if b.state == StateNormal {
		b.state = StateFrozen
	}
}

// Finalize drains buffered entries up to the final metalog position and
// fails whatever is still pending.
func (b *baseLogSpace) Finalize(finalMetalogPosition uint32) {
	if b.state == StateFinalized {
		return
	}
	for b.metalogPosition < finalMetalogPosition {
		next, ok := b.pendingMetalogs[b.metalogPosition]
		if !ok {
			break
		}
		delete(b.pendingMetalogs, next.MetalogSeqnum)
		b.applyMetaLog(next)
	}
	if b.metalogPosition < finalMetalogPosition && b.state != StateCreated {
		b.logger.Warn("Finalizing below final metalog position",
			zap.Uint32("position", b.metalogPosition),
			zap.Uint32("final_position", finalMetalogPosition))
	}
	b.state = StateFinalized
	b.pendingMetalogs = make(map[uint32]*wire.MetaLogProto)
	b.delegate.onFinalized(b.metalogPosition)
}
