// Package index maintains the tag-to-seqnum index of one phylog and
// answers tag-filtered seek queries. Packages produced by storage nodes
// are merged per metalog position; the index horizon advances when every
// productive shard of a position has reported, or when the metalog entry
// for the position is provided through ProvideMetaLog.
package index

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/util/bits"
	"github.com/funclog/funclog/internal/view"
	"github.com/funclog/funclog/internal/wire"
)

// QueryDirection selects the seek direction of an index query.
type QueryDirection int

const (
	// QueryReadNext seeks the smallest indexed seqnum >= the query seqnum.
	QueryReadNext QueryDirection = iota
	// QueryReadPrev seeks the largest indexed seqnum <= the query seqnum.
	QueryReadPrev
	// QueryReadNextBlocking is QueryReadNext retried by clients until the
	// horizon advances past the requested point.
	QueryReadNextBlocking
)

// QueryState is the outcome of an index lookup.
type QueryState int

const (
	// StateFound means a matching seqnum was located.
	StateFound QueryState = iota
	// StateContinue means the query's required metalog progress is beyond
	// this index's horizon; replay it once the horizon advances.
	StateContinue
	// StateEmpty means no matching entry exists within the horizon.
	StateEmpty
	// StateMiss means this index has truncated the range and cannot prove
	// emptiness; fan out to the index tier.
	StateMiss
)

// Query describes one tag-filtered seek.
type Query struct {
	Direction    QueryDirection
	UserLogspace uint32
	Tag          uint64
	Seqnum       uint64
	OriginNodeID uint16
	HopTimes     uint16
	ClientData   uint64
	// MetalogProgress is the caller's lower bound: the index must have
	// applied at least this progress before its answer is authoritative.
	MetalogProgress uint64
}

// QueryResult pairs a finished query with its outcome.
type QueryResult struct {
	State           QueryState
	Seqnum          uint64
	EngineID        uint16
	MetalogProgress uint64
	Original        Query
}

// tagEntry keeps one tag's sorted seqnum halves, bounded by the per-tag
// limit. truncatedBelow records the eviction point so the index never
// claims emptiness for a range it forgot.
type tagEntry struct {
	seqnums        *btree.BTreeG[uint32]
	truncatedBelow uint32
	truncated      bool
}

func newTagEntry() *tagEntry {
	return &tagEntry{seqnums: btree.NewG(8, func(a, b uint32) bool { return a < b })}
}

func (e *tagEntry) add(seqnum uint32, limit int) {
	e.seqnums.ReplaceOrInsert(seqnum)
	for limit > 0 && e.seqnums.Len() > limit {
		min, _ := e.seqnums.DeleteMin()
		e.truncated = true
		e.truncatedBelow = min + 1
	}
}

// spaceIndex is the per-user-logspace slice of the index.
type spaceIndex struct {
	tags      map[uint64]*tagEntry
	seqnums   *tagEntry
	engineIDs map[uint32]uint16
}

func newSpaceIndex() *spaceIndex {
	return &spaceIndex{
		tags:      make(map[uint64]*tagEntry),
		seqnums:   newTagEntry(),
		engineIDs: make(map[uint32]uint16),
	}
}

// stagedPosition accumulates packages of one metalog position until all
// productive shards reported.
type stagedPosition struct {
	packages        []*wire.IndexDataProto
	reportedShards  map[uint32]bool
	numProductive   uint32
	endSeqnumLowhal uint32
}

// Index is the tag index of one phylog on an index (or engine) node.
//
// Not safe for concurrent use; the owning node serializes access.
type Index struct {
	logspaceID uint32
	v          *view.View

	spaces map[uint32]*spaceIndex

	metalogHorizon      uint32
	indexedSeqnumLowhal uint32

	staged map[uint32]*stagedPosition

	// pendingMetalogs buffers out-of-order metalog broadcasts; applying
	// them in order is the second horizon trigger, used by index-tier
	// nodes that only receive a stripe of the package stream.
	pendingMetalogs   map[uint32]*wire.MetaLogProto
	nextMetalogSeqnum uint32

	perTagSeqnumsLimit int
	seqnumSuffixCap    int

	logger *zap.Logger
}

// New creates the index for the phylog of sequencerID in view v.
func New(v *view.View, sequencerID uint16, perTagSeqnumsLimit, seqnumSuffixCap int, logger *zap.Logger) *Index {
	return &Index{
		logspaceID:         bits.JoinTwo16(v.ID(), sequencerID),
		v:                  v,
		spaces:             make(map[uint32]*spaceIndex),
		staged:             make(map[uint32]*stagedPosition),
		pendingMetalogs:    make(map[uint32]*wire.MetaLogProto),
		perTagSeqnumsLimit: perTagSeqnumsLimit,
		seqnumSuffixCap:    seqnumSuffixCap,
		logger:             logger,
	}
}

// LogspaceID returns the phylog this index serves.
func (idx *Index) LogspaceID() uint32 { return idx.logspaceID }

// MetalogHorizon returns the highest metalog position fully applied.
func (idx *Index) MetalogHorizon() uint32 { return idx.metalogHorizon }

// MetalogProgress returns the horizon in progress form for responses.
func (idx *Index) MetalogProgress() uint64 {
	return bits.JoinTwo32(idx.logspaceID, idx.metalogHorizon)
}

// IndexedSeqnumPosition returns the seqnum position the horizon covers.
func (idx *Index) IndexedSeqnumPosition() uint64 {
	return bits.JoinTwo32(idx.logspaceID, idx.indexedSeqnumLowhal)
}

// ProvideIndexData stages one package. Returns true when it changed the
// index: the horizon advanced, or a late package filled in fresh entries
// behind a metalog-advanced horizon.
func (idx *Index) ProvideIndexData(pkg *wire.IndexDataProto) bool {
	if pkg.MetalogPosition <= idx.metalogHorizon {
		// The metalog broadcast already advanced the horizon past this
		// position; apply the entries directly. Redeliveries fall out in
		// the per-seqnum dedup.
		return idx.applyPackage(pkg) > 0
	}
	pos, ok := idx.staged[pkg.MetalogPosition]
	if !ok {
		pos = &stagedPosition{reportedShards: make(map[uint32]bool)}
		idx.staged[pkg.MetalogPosition] = pos
	}
	pos.packages = append(pos.packages, pkg)
	pos.numProductive = pkg.NumProductiveStorageShards
	pos.endSeqnumLowhal = pkg.EndSeqnumPosition
	for _, shardID := range pkg.MyProductiveStorageShards {
		pos.reportedShards[shardID] = true
	}
	return idx.tryAdvanceHorizon()
}

func (idx *Index) tryAdvanceHorizon() bool {
	advanced := false
	for {
		next := idx.metalogHorizon + 1
		pos, ok := idx.staged[next]
		if !ok || uint32(len(pos.reportedShards)) < pos.numProductive {
			break
		}
		for _, pkg := range pos.packages {
			idx.applyPackage(pkg)
		}
		delete(idx.staged, next)
		idx.metalogHorizon = next
		idx.indexedSeqnumLowhal = pos.endSeqnumLowhal
		advanced = true
	}
	return advanced
}

func (idx *Index) applyPackage(pkg *wire.IndexDataProto) int {
	applied := 0
	tagCursor := 0
	for i, seqnumHalf := range pkg.SeqnumHalves {
		userLogspace := pkg.UserLogspaces[i]
		space, ok := idx.spaces[userLogspace]
		if !ok {
			space = newSpaceIndex()
			idx.spaces[userLogspace] = space
		}
		if _, dup := space.engineIDs[seqnumHalf]; dup {
			// Another replica already delivered this entry.
			tagCursor += int(pkg.UserTagSizes[i])
			continue
		}
		space.engineIDs[seqnumHalf] = uint16(pkg.EngineIds[i])
		space.seqnums.add(seqnumHalf, idx.seqnumSuffixCap)
		numTags := int(pkg.UserTagSizes[i])
		for _, tag := range pkg.UserTags[tagCursor : tagCursor+numTags] {
			entry, ok := space.tags[tag]
			if !ok {
				entry = newTagEntry()
				space.tags[tag] = entry
			}
			entry.add(seqnumHalf, idx.perTagSeqnumsLimit)
		}
		tagCursor += numTags
		applied++
	}
	return applied
}

// ProvideMetaLog advances the horizon from the metalog broadcast. A
// metalog entry bounds its position even when some of the position's
// packages were striped onto other index shards; staged packages for the
// position are applied, stragglers land through the late path above.
func (idx *Index) ProvideMetaLog(entry *wire.MetaLogProto) bool {
	if entry.LogspaceId != idx.logspaceID || entry.Type != wire.MetaLogNewLogs {
		return false
	}
	if entry.MetalogSeqnum < idx.nextMetalogSeqnum {
		return false
	}
	idx.pendingMetalogs[entry.MetalogSeqnum] = entry
	advanced := false
	for {
		next, ok := idx.pendingMetalogs[idx.nextMetalogSeqnum]
		if !ok {
			break
		}
		delete(idx.pendingMetalogs, next.MetalogSeqnum)
		idx.nextMetalogSeqnum++
		position := next.MetalogSeqnum + 1
		if position <= idx.metalogHorizon {
			continue
		}
		if pos, ok := idx.staged[position]; ok {
			for _, pkg := range pos.packages {
				idx.applyPackage(pkg)
			}
			delete(idx.staged, position)
		}
		idx.metalogHorizon = position
		endSeqnum := next.NewLogs.StartSeqnum
		for _, delta := range next.NewLogs.ShardDeltas {
			endSeqnum += delta
		}
		idx.indexedSeqnumLowhal = endSeqnum
		advanced = true
	}
	return advanced
}

// Lookup answers one seek query against the current horizon.
func (idx *Index) Lookup(q Query) QueryResult {
	result := QueryResult{
		State:           StateEmpty,
		Seqnum:          0,
		MetalogProgress: idx.MetalogProgress(),
		Original:        q,
	}
	if bits.HighHalf64(q.MetalogProgress) == idx.logspaceID &&
		bits.LowHalf64(q.MetalogProgress) > idx.metalogHorizon {
		result.State = StateContinue
		return result
	}
	space, ok := idx.spaces[q.UserLogspace]
	if !ok {
		if idx.metalogHorizon == 0 {
			result.State = StateMiss
		}
		return result
	}
	entry := space.seqnums
	if q.Tag != 0 {
		entry, ok = space.tags[q.Tag]
		if !ok {
			// Horizon covers the range and the tag never appeared.
			return result
		}
	}

	querySeqnumHalf, inRange := idx.clampQuerySeqnum(q.Seqnum)
	switch q.Direction {
	case QueryReadNext, QueryReadNextBlocking:
		if !inRange {
			return result
		}
		found := false
		var foundSeqnum uint32
		entry.seqnums.AscendGreaterOrEqual(querySeqnumHalf, func(s uint32) bool {
			foundSeqnum = s
			found = true
			return false
		})
		if !found {
			return result
		}
		if entry.truncated && querySeqnumHalf < entry.truncatedBelow {
			// Evicted seqnums may fall between the query point and the
			// found entry; only a full fan-out can prove the answer.
			result.State = StateMiss
			return result
		}
		result.State = StateFound
		result.Seqnum = bits.JoinTwo32(idx.logspaceID, foundSeqnum)
		result.EngineID = space.engineIDs[foundSeqnum]
	case QueryReadPrev:
		found := false
		var foundSeqnum uint32
		entry.seqnums.DescendLessOrEqual(querySeqnumHalf, func(s uint32) bool {
			foundSeqnum = s
			found = true
			return false
		})
		if !found {
			if entry.truncated {
				result.State = StateMiss
			}
			return result
		}
		result.State = StateFound
		result.Seqnum = bits.JoinTwo32(idx.logspaceID, foundSeqnum)
		result.EngineID = space.engineIDs[foundSeqnum]
	}
	return result
}

// clampQuerySeqnum projects a 64-bit query seqnum onto this phylog's
// 32-bit half range. Queries addressed below this phylog start at zero;
// queries beyond it cannot match a forward seek.
func (idx *Index) clampQuerySeqnum(seqnum uint64) (uint32, bool) {
	logspace := bits.HighHalf64(seqnum)
	switch {
	case logspace < idx.logspaceID:
		return 0, true
	case logspace > idx.logspaceID:
		return ^uint32(0), false
	default:
		return bits.LowHalf64(seqnum), true
	}
}
