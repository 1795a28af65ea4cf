package logspace

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
)

func newStorage(t *testing.T, maxLiveEntries int) *LogStorage {
	t.Helper()
	v := newTestView(t, 1, 1)
	return NewLogStorage(11, v, 1, maxLiveEntries, testLogger())
}

func storeEntry(t *testing.T, s *LogStorage, shardID uint16, counter uint32, tags []uint64, data string) {
	t.Helper()
	ok := s.Store(LogMetaData{
		UserLogspace: 7,
		Seqnum:       protocol.InvalidLogSeqNum,
		LocalID:      bits.JoinTwo32(uint32(shardID), counter),
		NumTags:      len(tags),
		DataSize:     len(data),
	}, tags, []byte(data))
	require.True(t, ok)
}

func TestAdvanceShardProgressContiguous(t *testing.T) {
	s := newStorage(t, 1024)

	storeEntry(t, s, 0, 0, nil, "a")
	storeEntry(t, s, 0, 1, nil, "b")
	progress := s.GrabShardProgressForSending()
	require.NotNil(t, progress)
	assert.Equal(t, []uint32{2, 0}, progress)

	// Nothing new: no vector to send.
	assert.Nil(t, s.GrabShardProgressForSending())

	// A gap holds progress back until it closes.
	storeEntry(t, s, 0, 3, nil, "d")
	assert.Nil(t, s.GrabShardProgressForSending())
	storeEntry(t, s, 0, 2, nil, "c")
	progress = s.GrabShardProgressForSending()
	require.NotNil(t, progress)
	assert.Equal(t, []uint32{4, 0}, progress)
}

func TestStoreRejectsSizeMismatch(t *testing.T) {
	s := newStorage(t, 1024)
	ok := s.Store(LogMetaData{
		LocalID:  bits.JoinTwo32(0, 0),
		DataSize: 10,
	}, nil, []byte("short"))
	assert.False(t, ok)
}

func TestOnNewLogsMovesEntriesLive(t *testing.T) {
	s := newStorage(t, 1024)
	storeEntry(t, s, 0, 0, []uint64{42}, "x")
	storeEntry(t, s, 1, 0, nil, "y")

	entry := newLogsEntry(s.Identifier(), 0, 0, 0, 0, 1)
	entry.NewLogs.ShardIds = append(entry.NewLogs.ShardIds, 1)
	entry.NewLogs.ShardStarts = append(entry.NewLogs.ShardStarts, 0)
	entry.NewLogs.ShardDeltas = append(entry.NewLogs.ShardDeltas, 1)
	require.True(t, s.ProvideMetaLog(entry))

	assert.Equal(t, 2, s.NumLiveEntries())
	assert.Equal(t, uint32(2), s.LocalSeqnumPosition())

	pkgs := s.PollIndexData()
	require.NotNil(t, pkgs)
	require.Len(t, pkgs.Packages, 1)
	pkg := pkgs.Packages[0]
	assert.Equal(t, []uint32{0, 1}, pkg.SeqnumHalves)
	assert.Equal(t, []uint32{7, 7}, pkg.UserLogspaces)
	assert.Equal(t, []uint32{1, 0}, pkg.UserTagSizes)
	assert.Equal(t, []uint64{42}, pkg.UserTags)
	assert.Equal(t, uint32(2), pkg.NumProductiveStorageShards)
	assert.Equal(t, uint32(1), pkg.MetalogPosition)
	assert.Equal(t, uint32(2), pkg.EndSeqnumPosition)

	// Swapped out: a second poll returns nothing.
	assert.Nil(t, s.PollIndexData())
}

func TestReadAtLiveEntry(t *testing.T) {
	s := newStorage(t, 1024)
	storeEntry(t, s, 0, 0, []uint64{42}, "x")
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 0, 0, 0, 0, 1)))

	s.ReadAt(protocol.SharedLogMessage{
		Op:            protocol.OpReadAt,
		LogspaceID:    s.Identifier(),
		SeqnumLowhalf: 0,
	})
	results := s.PollReadResults()
	require.Len(t, results, 1)
	assert.Equal(t, ReadOK, results[0].Status)
	require.NotNil(t, results[0].Entry)
	assert.Equal(t, []byte("x"), results[0].Entry.Data)
	assert.Equal(t, []uint64{42}, results[0].Entry.UserTags)
	assert.Equal(t, bits.JoinTwo32(s.Identifier(), 0), results[0].Entry.Metadata.Seqnum)
}

func TestReadAtFutureSeqnumQueued(t *testing.T) {
	s := newStorage(t, 1024)

	s.ReadAt(protocol.SharedLogMessage{
		Op:            protocol.OpReadAt,
		LogspaceID:    s.Identifier(),
		SeqnumLowhalf: 0,
		ClientData:    55,
	})
	assert.Empty(t, s.PollReadResults())

	storeEntry(t, s, 0, 0, nil, "x")
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 0, 0, 0, 0, 1)))

	results := s.PollReadResults()
	require.Len(t, results, 1)
	assert.Equal(t, ReadOK, results[0].Status)
	assert.Equal(t, uint64(55), results[0].OriginalRequest.ClientData)
}

func TestReadAtQueuedUntilCovered(t *testing.T) {
	s := newStorage(t, 1024)
	storeEntry(t, s, 1, 0, nil, "y")
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 0, 0, 1, 0, 1)))

	// Seqnum 2 is two cuts ahead; the read stays queued across the first.
	s.ReadAt(protocol.SharedLogMessage{
		Op:            protocol.OpReadAt,
		LogspaceID:    s.Identifier(),
		SeqnumLowhalf: 2,
	})
	assert.Empty(t, s.PollReadResults())

	storeEntry(t, s, 1, 1, nil, "z")
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 1, 1, 1, 1, 1)))
	assert.Empty(t, s.PollReadResults())

	storeEntry(t, s, 1, 2, nil, "w")
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 2, 2, 1, 2, 1)))

	results := s.PollReadResults()
	require.Len(t, results, 1)
	assert.Equal(t, ReadOK, results[0].Status)
	assert.Equal(t, []byte("w"), results[0].Entry.Data)
}

func TestPersistenceWatermarkAndShrink(t *testing.T) {
	s := newStorage(t, 2)
	for i := uint32(0); i < 4; i++ {
		storeEntry(t, s, 0, i, nil, fmt.Sprintf("e%d", i))
	}
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 0, 0, 0, 0, 4)))
	assert.Equal(t, 4, s.NumLiveEntries())

	entries, newPosition, ok := s.GrabLogEntriesForPersistence()
	require.True(t, ok)
	assert.Len(t, entries, 4)
	assert.Equal(t, bits.JoinTwo32(s.Identifier(), 4), newPosition)

	s.LogEntriesPersisted(newPosition)
	// max_live_entries is 2: the live set shrinks from the front.
	assert.Equal(t, 2, s.NumLiveEntries())
	assert.Equal(t, newPosition, s.PersistedSeqnumPosition())

	// Nothing new to persist.
	_, _, ok = s.GrabLogEntriesForPersistence()
	assert.False(t, ok)

	// Evicted entries answer LookupDB.
	s.ReadAt(protocol.SharedLogMessage{
		Op:            protocol.OpReadAt,
		LogspaceID:    s.Identifier(),
		SeqnumLowhalf: 0,
	})
	results := s.PollReadResults()
	require.Len(t, results, 1)
	assert.Equal(t, ReadLookupDB, results[0].Status)
}

func TestRemovePendingEntries(t *testing.T) {
	s := newStorage(t, 1024)
	storeEntry(t, s, 0, 0, nil, "a")
	storeEntry(t, s, 1, 0, nil, "b")
	storeEntry(t, s, 1, 1, nil, "c")

	s.RemovePendingEntries(1)

	// Only shard 0's entry remains; sequencing it succeeds while the
	// removed shard's entries are gone.
	require.True(t, s.ProvideMetaLog(newLogsEntry(s.Identifier(), 0, 0, 0, 0, 1)))
	assert.Equal(t, 1, s.NumLiveEntries())
}

func TestFinalizeDiscardsPendingEntries(t *testing.T) {
	s := newStorage(t, 1024)
	storeEntry(t, s, 0, 0, nil, "a")
	s.ReadAt(protocol.SharedLogMessage{
		Op:            protocol.OpReadAt,
		LogspaceID:    s.Identifier(),
		SeqnumLowhalf: 5,
	})

	s.Finalize(0)

	results := s.PollReadResults()
	require.Len(t, results, 1)
	assert.Equal(t, ReadFailed, results[0].Status)
	assert.Equal(t, StateFinalized, s.State())
}
