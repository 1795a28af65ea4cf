package logspace

import (
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// MetaLogBackup replicates a primary's metalog. It applies broadcast
// entries in order and reports its position back via META_PROG.
type MetaLogBackup struct {
	baseLogSpace
}

// NewMetaLogBackup creates the backup state machine for the phylog of
// sequencerID.
func NewMetaLogBackup(v *view.View, sequencerID uint16, logger *zap.Logger) *MetaLogBackup {
	b := &MetaLogBackup{}
	b.init(v, sequencerID, true, logger)
	b.delegate = b
	b.state = StateNormal
	return b
}

func (b *MetaLogBackup) onNewLogs(metalogSeqnum uint32, startSeqnum uint64, startLocalID uint64, delta uint32, shardID uint16) {
}

func (b *MetaLogBackup) onMetaLogApplied(entry *wire.MetaLogProto) {}

func (b *MetaLogBackup) onFinalized(metalogPosition uint32) {
	b.logger.Info("Metalog backup finalized",
		zap.Uint32("logspace_id", b.identifier),
		zap.Uint32("metalog_position", metalogPosition))
}
