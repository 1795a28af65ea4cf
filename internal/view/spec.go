package view

import (
	"fmt"
	"os"

	"github.com/funclog/funclog/internal/wire"
)

// LoadFromFile reads a serialized ViewProto blob and builds the View.
func LoadFromFile(path string) (*View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read view blob: %w", err)
	}
	var p wire.ViewProto
	if err := wire.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse view blob: %w", err)
	}
	return NewView(SpecFromProto(&p))
}

// SpecFromProto converts the configuration-store blob into a ViewSpec.
func SpecFromProto(p *wire.ViewProto) *ViewSpec {
	return &ViewSpec{
		ID:                        uint16(p.Id),
		MetalogReplicas:           int(p.MetalogReplicas),
		UserlogReplicas:           int(p.UserlogReplicas),
		IndexReplicas:             int(p.IndexReplicas),
		NumIndexShards:            int(p.NumIndexShards),
		NumPhylogs:                int(p.NumPhylogs),
		StorageShardsPerSequencer: int(p.StorageShardsPerSequencer),
		SequencerNodes:            toUint16s(p.SequencerNodes),
		StorageNodes:              toUint16s(p.StorageNodes),
		IndexNodes:                toUint16s(p.IndexNodes),
		AggregatorNodes:           toUint16s(p.AggregatorNodes),
		HashSeed:                  p.LogSpaceHashSeed,
		HashTokens:                toUint16s(p.LogSpaceHashTokens),
		ActivePhylogs:             toUint16s(p.ActivePhylogs),
	}
}

func toUint16s(in []uint32) []uint16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint16, len(in))
	for i, v := range in {
		out[i] = uint16(v)
	}
	return out
}
