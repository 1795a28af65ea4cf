package logspace

import (
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// AppendResult resolves one pending local append. Seqnum is
// InvalidLogSeqNum when the append must be retried under the next view.
type AppendResult struct {
	Seqnum          uint64
	LocalID         uint64
	MetalogProgress uint64
	CallerData      interface{}
}

// LogProducer assigns tentative local identifiers to appends issued on one
// engine's storage shard and resolves them when the covering metalog entry
// is applied.
//
// Not safe for concurrent use; the engine's per-phylog mutex serializes
// access.
type LogProducer struct {
	baseLogSpace

	nextLocalID          uint64
	pendingAppends       map[uint64]interface{}
	pendingAppendResults []AppendResult
}

// NewLogProducer creates a producer for one storage shard of a phylog.
// metalogPosition and nextStartID come from the registration response and
// fast-forward producers created mid-view.
func NewLogProducer(storageShardID uint16, v *view.View, sequencerID uint16,
	metalogPosition uint32, nextStartID uint32, logger *zap.Logger) *LogProducer {
	p := &LogProducer{
		nextLocalID:    bits.JoinTwo32(uint32(storageShardID), nextStartID),
		pendingAppends: make(map[uint64]interface{}),
	}
	p.init(v, sequencerID, false, logger)
	p.delegate = p
	p.addInterestedShard(storageShardID)
	p.setStartPosition(metalogPosition, 0)
	p.state = StateNormal
	return p
}

// LocalAppend stashes callerData under the next local id and returns the
// id together with the current seqnum position as the engine's lower
// bound. Never blocks.
func (p *LogProducer) LocalAppend(callerData interface{}) (localID uint64, nextSeqnum uint64) {
	if _, ok := p.pendingAppends[p.nextLocalID]; ok {
		p.logger.Fatal("Local id already pending", zap.Uint64("localid", p.nextLocalID))
	}
	localID = p.nextLocalID
	p.nextLocalID++
	p.pendingAppends[localID] = callerData
	return localID, p.seqnumPosition
}

// PollAppendResults drains the buffered append results.
func (p *LogProducer) PollAppendResults() []AppendResult {
	results := p.pendingAppendResults
	p.pendingAppendResults = nil
	return results
}

// NumPendingAppends returns the number of unresolved appends.
func (p *LogProducer) NumPendingAppends() int {
	return len(p.pendingAppends)
}

func (p *LogProducer) onNewLogs(metalogSeqnum uint32, startSeqnum uint64, startLocalID uint64, delta uint32, shardID uint16) {
	for i := uint64(0); i < uint64(delta); i++ {
		seqnum := startSeqnum + i
		localID := startLocalID + i
		callerData, ok := p.pendingAppends[localID]
		if !ok {
			p.logger.Fatal("Cannot find pending log entry",
				zap.Uint64("localid", localID))
		}
		p.pendingAppendResults = append(p.pendingAppendResults, AppendResult{
			Seqnum:          seqnum,
			LocalID:         localID,
			MetalogProgress: bits.JoinTwo32(p.identifier, metalogSeqnum+1),
			CallerData:      callerData,
		})
		delete(p.pendingAppends, localID)
	}
}

func (p *LogProducer) onMetaLogApplied(entry *wire.MetaLogProto) {}

// onFinalized fails every append the finalized view never covered; the
// client retries under the next view with the same client data.
func (p *LogProducer) onFinalized(metalogPosition uint32) {
	for localID, callerData := range p.pendingAppends {
		p.pendingAppendResults = append(p.pendingAppendResults, AppendResult{
			Seqnum:          protocol.InvalidLogSeqNum,
			LocalID:         localID,
			MetalogProgress: 0,
			CallerData:      callerData,
		})
	}
	p.pendingAppends = make(map[uint64]interface{})
}
