package logspace

import (
	"testing"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/view"
)

// newTestView builds a view with numSequencers phylogs, two local shards
// per sequencer, and full userlog replication over three storage nodes.
func newTestView(t *testing.T, numSequencers, metalogReplicas int) *view.View {
	t.Helper()
	sequencers := make([]uint16, numSequencers)
	tokens := make([]uint16, 0, numSequencers*2)
	for i := range sequencers {
		sequencers[i] = uint16(i + 1)
		tokens = append(tokens, uint16(i+1), uint16(i+1))
	}
	v, err := view.NewView(&view.ViewSpec{
		ID:                        1,
		MetalogReplicas:           metalogReplicas,
		UserlogReplicas:           3,
		IndexReplicas:             1,
		NumIndexShards:            1,
		NumPhylogs:                numSequencers,
		StorageShardsPerSequencer: 2,
		SequencerNodes:            sequencers,
		StorageNodes:              []uint16{11, 12, 13},
		IndexNodes:                []uint16{21},
		HashSeed:                  7,
		HashTokens:                tokens,
	})
	if err != nil {
		t.Fatalf("NewView: %v", err)
	}
	return v
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
