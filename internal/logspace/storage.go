package logspace

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/protocol"
	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// ReadStatus is the outcome of a point read against the live entry set.
type ReadStatus int

const (
	// ReadOK means the entry was found in memory.
	ReadOK ReadStatus = iota
	// ReadLookupDB means the entry was evicted; serve it from the cold
	// store.
	ReadLookupDB
	// ReadFailed means no entry exists for the seqnum.
	ReadFailed
)

// ReadResult pairs a finished point read with its original request.
type ReadResult struct {
	Status          ReadStatus
	Entry           *LogEntry
	OriginalRequest protocol.SharedLogMessage
}

// pendingRead keys queued point reads by seqnum; ord disambiguates
// duplicate seqnums so the tree behaves as a multimap.
type pendingRead struct {
	seqnum  uint64
	ord     uint64
	request protocol.SharedLogMessage
}

func pendingReadLess(a, b pendingRead) bool {
	if a.seqnum != b.seqnum {
		return a.seqnum < b.seqnum
	}
	return a.ord < b.ord
}

// LogStorage is the storage node's per-phylog state: replicated entries
// waiting for sequencing, the live sequenced suffix, accumulated index
// data, and the shard progress vector reported to the sequencer.
//
// Not safe for concurrent use; the owning storage node serializes access.
type LogStorage struct {
	baseLogSpace

	storageNode *view.Storage

	pendingLogEntries map[uint64]*LogEntry

	liveSeqnums    []uint64
	liveLogEntries map[uint64]*LogEntry

	shardProgresses    map[uint16]uint32
	shardProgressDirty bool

	persistedSeqnumPosition uint64
	maxLiveEntries          int

	pendingReadRequests *btree.BTreeG[pendingRead]
	nextReadOrd         uint64
	pendingReadResults  []ReadResult

	indexData         wire.IndexDataProto
	indexDataPackages wire.IndexDataPackagesProto
}

// NewLogStorage creates the storage-side state machine for the phylog of
// sequencerID on storageID.
func NewLogStorage(storageID uint16, v *view.View, sequencerID uint16,
	maxLiveEntries int, logger *zap.Logger) *LogStorage {
	s := &LogStorage{
		pendingLogEntries:   make(map[uint64]*LogEntry),
		liveLogEntries:      make(map[uint64]*LogEntry),
		shardProgresses:     make(map[uint16]uint32),
		maxLiveEntries:      maxLiveEntries,
		pendingReadRequests: btree.NewG(2, pendingReadLess),
	}
	s.init(v, sequencerID, false, logger)
	s.delegate = s
	s.storageNode = v.GetStorageNode(storageID)
	if s.storageNode == nil {
		logger.Fatal("Unknown storage node for log space", zap.Uint16("storage_id", storageID))
	}
	for _, localShardID := range s.storageNode.LocalStorageShardIDs(sequencerID) {
		s.shardProgresses[localShardID] = 0
		s.addInterestedShard(localShardID)
	}
	s.persistedSeqnumPosition = bits.JoinTwo32(s.identifier, 0)
	s.indexDataPackages.LogspaceId = s.identifier
	s.state = StateNormal
	return s
}

// Store accepts a replicated entry from an engine. The entry waits under
// its local id until a metalog entry assigns the seqnum.
func (s *LogStorage) Store(metadata LogMetaData, userTags []uint64, data []byte) bool {
	if metadata.DataSize != len(data) {
		s.logger.Error("Replicated entry size mismatch",
			zap.Int("data_size", metadata.DataSize), zap.Int("payload", len(data)))
		return false
	}
	localID := metadata.LocalID
	shardID := uint16(bits.HighHalf64(localID))
	if _, ok := s.shardProgresses[shardID]; !ok {
		s.logger.Error("Replicated entry for shard not on this node",
			zap.Uint16("shard_id", shardID))
		return false
	}
	s.pendingLogEntries[localID] = &LogEntry{
		Metadata: metadata,
		UserTags: userTags,
		Data:     data,
	}
	s.advanceShardProgress(shardID)
	return true
}

// ReadAt serves a point read. Reads at or beyond the seqnum position are
// queued until sequencing catches up.
func (s *LogStorage) ReadAt(request protocol.SharedLogMessage) {
	if request.LogspaceID != s.identifier {
		s.logger.Fatal("ReadAt for wrong log space",
			zap.Uint32("logspace_id", request.LogspaceID))
	}
	seqnum := bits.JoinTwo32(request.LogspaceID, request.SeqnumLowhalf)
	if seqnum >= s.seqnumPosition {
		s.nextReadOrd++
		s.pendingReadRequests.ReplaceOrInsert(pendingRead{
			seqnum:  seqnum,
			ord:     s.nextReadOrd,
			request: request,
		})
		return
	}
	result := ReadResult{Status: ReadFailed, OriginalRequest: request}
	if entry, ok := s.liveLogEntries[seqnum]; ok {
		result.Status = ReadOK
		result.Entry = entry
	} else if seqnum < s.persistedSeqnumPosition {
		result.Status = ReadLookupDB
	} else {
		s.logger.Warn("Failed to locate seqnum", zap.Uint64("seqnum", seqnum))
	}
	s.pendingReadResults = append(s.pendingReadResults, result)
}

// PollReadResults drains finished point reads.
func (s *LogStorage) PollReadResults() []ReadResult {
	results := s.pendingReadResults
	s.pendingReadResults = nil
	return results
}

// GrabShardProgressForSending returns the node's local shard progress
// vector for the sequencer, or nil when nothing advanced since the last
// call. Order matches the node's deterministic shard order.
func (s *LogStorage) GrabShardProgressForSending() []uint32 {
	if !s.shardProgressDirty {
		return nil
	}
	localShardIDs := s.storageNode.LocalStorageShardIDs(s.sequencerNode.NodeID())
	progress := make([]uint32, 0, len(localShardIDs))
	for _, shardID := range localShardIDs {
		progress = append(progress, s.shardProgresses[shardID])
	}
	s.shardProgressDirty = false
	return progress
}

// PollIndexData swaps out the accumulated index-data packages for
// transmission to the index tier, or returns nil when empty.
func (s *LogStorage) PollIndexData() *wire.IndexDataPackagesProto {
	if len(s.indexDataPackages.Packages) == 0 {
		return nil
	}
	data := s.indexDataPackages
	s.indexDataPackages = wire.IndexDataPackagesProto{LogspaceId: s.identifier}
	return &data
}

// GrabLogEntriesForPersistence returns the live suffix at or above the
// persisted watermark together with the watermark the cold store reaches
// after writing it.
func (s *LogStorage) GrabLogEntriesForPersistence() ([]*LogEntry, uint64, bool) {
	if len(s.liveSeqnums) == 0 || s.liveSeqnums[len(s.liveSeqnums)-1] < s.persistedSeqnumPosition {
		return nil, 0, false
	}
	idx := lowerBound(s.liveSeqnums, s.persistedSeqnumPosition)
	entries := make([]*LogEntry, 0, len(s.liveSeqnums)-idx)
	for _, seqnum := range s.liveSeqnums[idx:] {
		entries = append(entries, s.liveLogEntries[seqnum])
	}
	newPosition := s.liveSeqnums[len(s.liveSeqnums)-1] + 1
	return entries, newPosition, true
}

// LogEntriesPersisted advances the durable watermark after the cold store
// acknowledged the write.
func (s *LogStorage) LogEntriesPersisted(newPosition uint64) {
	if newPosition < s.persistedSeqnumPosition {
		s.logger.Fatal("Persisted watermark moved backwards",
			zap.Uint64("new_position", newPosition),
			zap.Uint64("current", s.persistedSeqnumPosition))
	}
	s.persistedSeqnumPosition = newPosition
	s.shrinkLiveEntriesIfNeeded()
}

// PersistedSeqnumPosition returns the durable watermark.
func (s *LogStorage) PersistedSeqnumPosition() uint64 {
	return s.persistedSeqnumPosition
}

// NumLiveEntries returns the size of the live sequenced set.
func (s *LogStorage) NumLiveEntries() int {
	return len(s.liveSeqnums)
}

// RemovePendingEntries drops unsequenced entries of one shard, used when a
// shard is torn down before its appends were covered by a cut.
func (s *LogStorage) RemovePendingEntries(shardID uint16) {
	for localID := range s.pendingLogEntries {
		if uint16(bits.HighHalf64(localID)) == shardID {
			delete(s.pendingLogEntries, localID)
		}
	}
}

func (s *LogStorage) advanceShardProgress(shardID uint16) {
	current := s.shardProgresses[shardID]
	for {
		if _, ok := s.pendingLogEntries[bits.JoinTwo32(uint32(shardID), current)]; !ok {
			break
		}
		current++
	}
	if current > s.shardProgresses[shardID] {
		s.shardProgressDirty = true
		s.shardProgresses[shardID] = current
	}
}

func (s *LogStorage) onNewLogs(metalogSeqnum uint32, startSeqnum uint64, startLocalID uint64, delta uint32, shardID uint16) {
	// Reads the advancing cut passed over can never be satisfied.
	s.failReadsBelow(startSeqnum)
	for i := uint64(0); i < uint64(delta); i++ {
		seqnum := startSeqnum + i
		localID := startLocalID + i
		entry, ok := s.pendingLogEntries[localID]
		if !ok {
			s.logger.Fatal("Cannot find pending log entry for localid",
				zap.Uint64("localid", localID))
		}
		delete(s.pendingLogEntries, localID)
		entry.Metadata.Seqnum = seqnum

		s.indexData.SeqnumHalves = append(s.indexData.SeqnumHalves, bits.LowHalf64(seqnum))
		s.indexData.EngineIds = append(s.indexData.EngineIds, bits.HighHalf64(localID))
		s.indexData.UserLogspaces = append(s.indexData.UserLogspaces, entry.Metadata.UserLogspace)
		s.indexData.UserTagSizes = append(s.indexData.UserTagSizes, uint32(len(entry.UserTags)))
		s.indexData.UserTags = append(s.indexData.UserTags, entry.UserTags...)

		if len(s.liveSeqnums) > 0 && seqnum <= s.liveSeqnums[len(s.liveSeqnums)-1] {
			s.logger.Fatal("Live seqnums not monotonic", zap.Uint64("seqnum", seqnum))
		}
		s.liveSeqnums = append(s.liveSeqnums, seqnum)
		s.liveLogEntries[seqnum] = entry
		s.shrinkLiveEntriesIfNeeded()

		s.satisfyReadsAt(seqnum, entry)
	}
	s.indexData.MyProductiveStorageShards = append(s.indexData.MyProductiveStorageShards, uint32(shardID))
}

func (s *LogStorage) onMetaLogApplied(entry *wire.MetaLogProto) {
	if entry.Type != wire.MetaLogNewLogs {
		return
	}
	if len(s.indexData.SeqnumHalves) == 0 {
		return
	}
	s.indexData.MetalogPosition = s.MetalogPosition()
	s.indexData.EndSeqnumPosition = s.LocalSeqnumPosition()
	// The package advertises how many shards the metalog entry covered,
	// not how many this node contributed to; the index tier counts the
	// distinct productive shards reported per metalog position against
	// this number.
	s.indexData.NumProductiveStorageShards = uint32(len(entry.NewLogs.ShardIds))
	pkg := s.indexData
	s.indexDataPackages.Packages = append(s.indexDataPackages.Packages, &pkg)
	s.indexData = wire.IndexDataProto{}
}

func (s *LogStorage) onFinalized(metalogPosition uint32) {
	if len(s.pendingLogEntries) > 0 {
		s.logger.Warn("Pending log entries discarded",
			zap.Int("count", len(s.pendingLogEntries)))
		s.pendingLogEntries = make(map[uint64]*LogEntry)
	}
	s.failReadsBelow(protocol.InvalidLogSeqNum)
}

func (s *LogStorage) shrinkLiveEntriesIfNeeded() {
	for len(s.liveSeqnums) > s.maxLiveEntries && s.liveSeqnums[0] < s.persistedSeqnumPosition {
		delete(s.liveLogEntries, s.liveSeqnums[0])
		s.liveSeqnums = s.liveSeqnums[1:]
	}
}

func (s *LogStorage) failReadsBelow(seqnum uint64) {
	var expired []pendingRead
	s.pendingReadRequests.Ascend(func(item pendingRead) bool {
		if item.seqnum >= seqnum {
			return false
		}
		expired = append(expired, item)
		return true
	})
	for _, item := range expired {
		s.pendingReadRequests.Delete(item)
		s.logger.Warn("Read request has past", zap.Uint64("seqnum", item.seqnum))
		s.pendingReadResults = append(s.pendingReadResults, ReadResult{
			Status:          ReadFailed,
			OriginalRequest: item.request,
		})
	}
}

func (s *LogStorage) satisfyReadsAt(seqnum uint64, entry *LogEntry) {
	var matched []pendingRead
	s.pendingReadRequests.AscendGreaterOrEqual(pendingRead{seqnum: seqnum}, func(item pendingRead) bool {
		if item.seqnum != seqnum {
			return false
		}
		matched = append(matched, item)
		return true
	})
	for _, item := range matched {
		s.pendingReadRequests.Delete(item)
		s.pendingReadResults = append(s.pendingReadResults, ReadResult{
			Status:          ReadOK,
			Entry:           entry,
			OriginalRequest: item.request,
		})
	}
}

func lowerBound(sorted []uint64, value uint64) int {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] < value {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
