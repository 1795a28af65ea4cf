package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaLogRoundTrip(t *testing.T) {
	entry := &MetaLogProto{
		LogspaceId:    0x00010003,
		MetalogSeqnum: 5,
		Type:          MetaLogNewLogs,
		NewLogs: &NewLogsProto{
			StartSeqnum: 200,
			ShardIds:    []uint32{0, 1},
			ShardStarts: []uint32{100, 100},
			ShardDeltas: []uint32{70, 30},
		},
	}
	data, err := Marshal(entry)
	require.NoError(t, err)

	var decoded MetaLogProto
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, entry.LogspaceId, decoded.LogspaceId)
	assert.Equal(t, entry.MetalogSeqnum, decoded.MetalogSeqnum)
	require.NotNil(t, decoded.NewLogs)
	assert.Equal(t, entry.NewLogs.ShardIds, decoded.NewLogs.ShardIds)
	assert.Equal(t, entry.NewLogs.ShardDeltas, decoded.NewLogs.ShardDeltas)
}

func TestIndexDataPackages(t *testing.T) {
	pkg := &IndexDataPackagesProto{
		LogspaceId: 7,
		Packages: []*IndexDataProto{{
			MetalogPosition:            1,
			EndSeqnumPosition:          3,
			NumProductiveStorageShards: 1,
			SeqnumHalves:               []uint32{0, 1, 2},
			EngineIds:                  []uint32{4, 4, 4},
			UserLogspaces:              []uint32{9, 9, 9},
			UserTagSizes:               []uint32{1, 0, 2},
			UserTags:                   []uint64{42, 43, 44},
		}},
	}
	data, err := Marshal(pkg)
	require.NoError(t, err)

	var decoded IndexDataPackagesProto
	require.NoError(t, Unmarshal(data, &decoded))
	require.Len(t, decoded.Packages, 1)
	assert.Equal(t, pkg.Packages[0].SeqnumHalves, decoded.Packages[0].SeqnumHalves)
	assert.Equal(t, pkg.Packages[0].UserTags, decoded.Packages[0].UserTags)
}

func TestEmptyShardProgress(t *testing.T) {
	data, err := Marshal(&ShardProgressProto{LogspaceId: 3})
	require.NoError(t, err)

	var decoded ShardProgressProto
	require.NoError(t, Unmarshal(data, &decoded))
	assert.Equal(t, uint32(3), decoded.LogspaceId)
	assert.Empty(t, decoded.Progresses)
}
