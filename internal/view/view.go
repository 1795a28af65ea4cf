// Package view models one membership configuration of the log service.
// A View and its inner descriptors never change after construction; node
// roles hold the View pointer for as long as any operation references it.
package view

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/funclog/funclog/internal/util/bits"
)

// View describes the node sets, replication factors, and shard layout of
// one configuration epoch.
type View struct {
	id uint16

	metalogReplicas           int
	userlogReplicas           int
	indexReplicas             int
	numIndexShards            int
	numPhylogs                int
	storageShardsPerSequencer int

	sequencerNodeIDs  []uint16
	storageNodeIDs    []uint16
	indexNodeIDs      []uint16
	aggregatorNodeIDs []uint16

	sequencers    map[uint16]*Sequencer
	storages      map[uint16]*Storage
	indexes       map[uint16]*Index
	storageShards map[uint32]*StorageShard

	activePhylogs map[uint16]bool

	indexShardNodes [][]uint16

	hashSeed   uint64
	hashTokens []uint16
}

// NewView builds an immutable View from its configuration-store blob.
// The shard-to-node assignment is fully determined by the proto, so every
// node derives an identical layout.
func NewView(p *ViewSpec) (*View, error) {
	if len(p.SequencerNodes) == 0 || len(p.StorageNodes) == 0 {
		return nil, fmt.Errorf("view %d: needs at least one sequencer and one storage node", p.ID)
	}
	if p.UserlogReplicas == 0 || p.UserlogReplicas > len(p.StorageNodes) {
		return nil, fmt.Errorf("view %d: userlog_replicas %d out of range", p.ID, p.UserlogReplicas)
	}
	if p.MetalogReplicas > len(p.SequencerNodes) {
		return nil, fmt.Errorf("view %d: metalog_replicas %d exceeds sequencer count", p.ID, p.MetalogReplicas)
	}
	if p.NumIndexShards > 0 && len(p.IndexNodes) == 0 {
		return nil, fmt.Errorf("view %d: index shards configured without index nodes", p.ID)
	}
	if len(p.HashTokens) == 0 {
		return nil, fmt.Errorf("view %d: empty log space hash tokens", p.ID)
	}

	v := &View{
		id:                        p.ID,
		metalogReplicas:           p.MetalogReplicas,
		userlogReplicas:           p.UserlogReplicas,
		indexReplicas:             p.IndexReplicas,
		numIndexShards:            p.NumIndexShards,
		numPhylogs:                p.NumPhylogs,
		storageShardsPerSequencer: p.StorageShardsPerSequencer,
		sequencerNodeIDs:          append([]uint16(nil), p.SequencerNodes...),
		storageNodeIDs:            append([]uint16(nil), p.StorageNodes...),
		indexNodeIDs:              append([]uint16(nil), p.IndexNodes...),
		aggregatorNodeIDs:         append([]uint16(nil), p.AggregatorNodes...),
		sequencers:                make(map[uint16]*Sequencer),
		storages:                  make(map[uint16]*Storage),
		indexes:                   make(map[uint16]*Index),
		storageShards:             make(map[uint32]*StorageShard),
		activePhylogs:             make(map[uint16]bool),
		hashSeed:                  p.HashSeed,
		hashTokens:                append([]uint16(nil), p.HashTokens...),
	}
	for _, id := range p.ActivePhylogs {
		v.activePhylogs[id] = true
	}
	if len(p.ActivePhylogs) == 0 {
		for _, id := range v.sequencerNodeIDs {
			v.activePhylogs[id] = true
		}
	}

	// Index shard replica sets, shared by every storage shard.
	indexShardNodes := make([][]uint16, v.numIndexShards)
	for s := 0; s < v.numIndexShards; s++ {
		replicas := make([]uint16, 0, v.indexReplicas)
		for r := 0; r < v.indexReplicas; r++ {
			replicas = append(replicas, v.indexNodeIDs[(s*v.indexReplicas+r)%len(v.indexNodeIDs)])
		}
		indexShardNodes[s] = replicas
	}
	v.indexShardNodes = indexShardNodes

	// Storage shards: each sequencer owns storageShardsPerSequencer local
	// shards; consecutive replica groups are striped over the storage nodes.
	globalShardIdx := 0
	for _, seqID := range v.sequencerNodeIDs {
		for local := 0; local < v.storageShardsPerSequencer; local++ {
			shardID := bits.JoinTwo16(seqID, uint16(local))
			storageNodes := make([]uint16, 0, v.userlogReplicas)
			for r := 0; r < v.userlogReplicas; r++ {
				pos := (globalShardIdx*v.userlogReplicas + r) % len(v.storageNodeIDs)
				storageNodes = append(storageNodes, v.storageNodeIDs[pos])
			}
			v.storageShards[shardID] = newStorageShard(
				v, shardID, seqID, storageNodes, indexShardNodes, v.aggregatorNodeIDs)
			globalShardIdx++
		}
	}

	// Sequencer descriptors with their metalog replica rings.
	for i, seqID := range v.sequencerNodeIDs {
		numReplicas := v.metalogReplicas - 1
		if numReplicas < 0 {
			numReplicas = 0
		}
		replicas := make([]uint16, 0, numReplicas)
		for r := 1; r <= numReplicas; r++ {
			replicas = append(replicas, v.sequencerNodeIDs[(i+r)%len(v.sequencerNodeIDs)])
		}
		v.sequencers[seqID] = newSequencer(v, seqID, replicas)
	}

	// Storage descriptors: every shard whose replica set includes the node.
	for _, storageID := range v.storageNodeIDs {
		var shardIDs []uint32
		for _, seqID := range v.sequencerNodeIDs {
			for local := 0; local < v.storageShardsPerSequencer; local++ {
				shardID := bits.JoinTwo16(seqID, uint16(local))
				if v.storageShards[shardID].HasStorageNode(storageID) {
					shardIDs = append(shardIDs, shardID)
				}
			}
		}
		v.storages[storageID] = newStorage(v, storageID, shardIDs)
	}

	// Index descriptors: which index shards the node serves, and the
	// storage replica sets it reads payloads from.
	for _, indexID := range v.indexNodeIDs {
		shards := make(map[uint16]bool)
		for s := 0; s < v.numIndexShards; s++ {
			for _, nodeID := range indexShardNodes[s] {
				if nodeID == indexID {
					shards[uint16(s)] = true
				}
			}
		}
		v.indexes[indexID] = newIndex(v, indexID, shards)
	}

	return v, nil
}

// ViewSpec is the decoded form of the configuration-store view blob.
type ViewSpec struct {
	ID                        uint16
	MetalogReplicas           int
	UserlogReplicas           int
	IndexReplicas             int
	NumIndexShards            int
	NumPhylogs                int
	StorageShardsPerSequencer int
	SequencerNodes            []uint16
	StorageNodes              []uint16
	IndexNodes                []uint16
	AggregatorNodes           []uint16
	HashSeed                  uint64
	HashTokens                []uint16
	ActivePhylogs             []uint16
}

func (v *View) ID() uint16 { return v.id }

func (v *View) MetalogReplicas() int { return v.metalogReplicas }
func (v *View) UserlogReplicas() int { return v.userlogReplicas }
func (v *View) IndexReplicas() int   { return v.indexReplicas }
func (v *View) NumIndexShards() int  { return v.numIndexShards }
func (v *View) NumPhylogs() int      { return v.numPhylogs }

func (v *View) SequencerNodes() []uint16  { return v.sequencerNodeIDs }
func (v *View) StorageNodes() []uint16    { return v.storageNodeIDs }
func (v *View) IndexNodes() []uint16      { return v.indexNodeIDs }
func (v *View) AggregatorNodes() []uint16 { return v.aggregatorNodeIDs }

func (v *View) ContainsSequencerNode(nodeID uint16) bool {
	_, ok := v.sequencers[nodeID]
	return ok
}

func (v *View) ContainsStorageNode(nodeID uint16) bool {
	_, ok := v.storages[nodeID]
	return ok
}

func (v *View) ContainsIndexNode(nodeID uint16) bool {
	_, ok := v.indexes[nodeID]
	return ok
}

func (v *View) IsActivePhylog(sequencerID uint16) bool {
	return v.activePhylogs[sequencerID]
}

// GetSequencerNode returns the descriptor for a sequencer, or nil.
func (v *View) GetSequencerNode(nodeID uint16) *Sequencer {
	return v.sequencers[nodeID]
}

// GetStorageNode returns the descriptor for a storage node, or nil.
func (v *View) GetStorageNode(nodeID uint16) *Storage {
	return v.storages[nodeID]
}

// GetIndexNode returns the descriptor for an index node, or nil.
func (v *View) GetIndexNode(nodeID uint16) *Index {
	return v.indexes[nodeID]
}

// GetStorageShard returns the descriptor for a global shard id, or nil.
func (v *View) GetStorageShard(shardID uint32) *StorageShard {
	return v.storageShards[shardID]
}

// IndexShardNodes returns the replica node list of one index shard.
func (v *View) IndexShardNodes(indexShard int) []uint16 {
	return v.indexShardNodes[indexShard]
}

// LogSpaceIdentifier maps a user logspace onto its phylog for this view.
// The seeded hash over the token ring keeps the mapping stable across nodes.
func (v *View) LogSpaceIdentifier(userLogspace uint32) uint32 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], v.hashSeed)
	binary.LittleEndian.PutUint32(buf[8:12], userLogspace)
	h := xxhash.Sum64(buf[:])
	nodeID := v.hashTokens[h%uint64(len(v.hashTokens))]
	return bits.JoinTwo16(v.id, nodeID)
}

// Sequencer describes one sequencer node within a view.
type Sequencer struct {
	view   *View
	nodeID uint16

	replicaSequencerNodes []uint16
	replicaSet            map[uint16]bool
}

func newSequencer(v *View, nodeID uint16, replicas []uint16) *Sequencer {
	set := make(map[uint16]bool, len(replicas))
	for _, id := range replicas {
		set[id] = true
	}
	return &Sequencer{view: v, nodeID: nodeID, replicaSequencerNodes: replicas, replicaSet: set}
}

func (s *Sequencer) View() *View    { return s.view }
func (s *Sequencer) NodeID() uint16 { return s.nodeID }

// StorageShardIDs returns the local shard ids this sequencer cuts over.
func (s *Sequencer) StorageShardIDs() []uint16 {
	ids := make([]uint16, s.view.storageShardsPerSequencer)
	for i := range ids {
		ids[i] = uint16(i)
	}
	return ids
}

func (s *Sequencer) ReplicaSequencerNodes() []uint16 {
	return s.replicaSequencerNodes
}

func (s *Sequencer) IsReplicaSequencerNode(nodeID uint16) bool {
	return s.replicaSet[nodeID]
}

// Storage describes one storage node within a view.
type Storage struct {
	view   *View
	nodeID uint16

	storageShardIDs []uint32
	localShardIDs   map[uint16][]uint16

	nextIndexShard atomic.Uint64
}

func newStorage(v *View, nodeID uint16, shardIDs []uint32) *Storage {
	locals := make(map[uint16][]uint16)
	for _, shardID := range shardIDs {
		seqID := bits.HighHalf32(shardID)
		locals[seqID] = append(locals[seqID], bits.LowHalf32(shardID))
	}
	return &Storage{view: v, nodeID: nodeID, storageShardIDs: shardIDs, localShardIDs: locals}
}

func (s *Storage) View() *View    { return s.view }
func (s *Storage) NodeID() uint16 { return s.nodeID }

// StorageShardIDs returns the global shard ids this node replicates, in
// deterministic view order. The order fixes the layout of shard progress
// vectors sent to sequencers.
func (s *Storage) StorageShardIDs() []uint32 {
	return s.storageShardIDs
}

// LocalStorageShardIDs returns the node's local shard ids under one
// sequencer.
func (s *Storage) LocalStorageShardIDs(sequencerID uint16) []uint16 {
	return s.localShardIDs[sequencerID]
}

func (s *Storage) IsStorageShardMember(shardID uint32) bool {
	for _, id := range s.storageShardIDs {
		if id == shardID {
			return true
		}
	}
	return false
}

// PickIndexShard advances the node's round-robin index shard cursor.
func (s *Storage) PickIndexShard() uint16 {
	idx := s.nextIndexShard.Add(1) - 1
	return uint16(idx % uint64(s.view.numIndexShards))
}

// Index describes one index node within a view.
type Index struct {
	view   *View
	nodeID uint16

	indexShards map[uint16]bool

	nextShardStorageNode map[uint32]*atomic.Uint64
}

func newIndex(v *View, nodeID uint16, shards map[uint16]bool) *Index {
	cursors := make(map[uint32]*atomic.Uint64, len(v.storageShards))
	for shardID := range v.storageShards {
		cursors[shardID] = &atomic.Uint64{}
	}
	return &Index{view: v, nodeID: nodeID, indexShards: shards, nextShardStorageNode: cursors}
}

func (i *Index) View() *View    { return i.view }
func (i *Index) NodeID() uint16 { return i.nodeID }

func (i *Index) IsIndexShardMember(indexShard uint16) bool {
	return i.indexShards[indexShard]
}

// PickStorageNode rotates over the storage replicas of a shard for payload
// reads issued by the index tier.
func (i *Index) PickStorageNode(storageShardID uint32) uint16 {
	shard := i.view.storageShards[storageShardID]
	cursor := i.nextShardStorageNode[storageShardID]
	idx := cursor.Add(1) - 1
	return shard.storageNodes[idx%uint64(len(shard.storageNodes))]
}

// StorageShard describes one replica group of a phylog, addressed as
// sequencer_id||local_shard_id.
type StorageShard struct {
	view    *View
	shardID uint32

	sequencerNode   uint16
	storageNodes    []uint16
	aggregatorNodes []uint16
	indexShardNodes [][]uint16

	nextStorageNode      atomic.Uint64
	nextIndexShard       atomic.Uint64
	nextAggregatorNode   atomic.Uint64
	nextIndexReplicaNode []atomic.Uint64
}

func newStorageShard(v *View, shardID uint32, sequencerNode uint16,
	storageNodes []uint16, indexShardNodes [][]uint16, aggregatorNodes []uint16) *StorageShard {
	return &StorageShard{
		view:                 v,
		shardID:              shardID,
		sequencerNode:        sequencerNode,
		storageNodes:         storageNodes,
		aggregatorNodes:      aggregatorNodes,
		indexShardNodes:      indexShardNodes,
		nextIndexReplicaNode: make([]atomic.Uint64, len(indexShardNodes)),
	}
}

func (s *StorageShard) ShardID() uint32       { return s.shardID }
func (s *StorageShard) LocalShardID() uint16  { return bits.LowHalf32(s.shardID) }
func (s *StorageShard) SequencerNode() uint16 { return s.sequencerNode }

func (s *StorageShard) StorageNodes() []uint16 { return s.storageNodes }

func (s *StorageShard) HasStorageNode(nodeID uint16) bool {
	for _, id := range s.storageNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// PickStorageNode advances the shard's round-robin storage cursor. The
// counter is only approximately fair under contention; distribution is
// what matters, not strict rotation.
func (s *StorageShard) PickStorageNode() uint16 {
	idx := s.nextStorageNode.Add(1) - 1
	return s.storageNodes[idx%uint64(len(s.storageNodes))]
}

// PickIndexShard advances the shard's round-robin index shard cursor.
func (s *StorageShard) PickIndexShard() int {
	idx := s.nextIndexShard.Add(1) - 1
	return int(idx % uint64(len(s.indexShardNodes)))
}

// PickIndexNode rotates over the replicas of one index shard.
func (s *StorageShard) PickIndexNode(indexShard int) uint16 {
	nodes := s.indexShardNodes[indexShard]
	idx := s.nextIndexReplicaNode[indexShard].Add(1) - 1
	return nodes[idx%uint64(len(nodes))]
}


// PickIndexNodePerShard picks one replica per index shard, starting from a
// rotated first shard so aggregation load spreads across replicas.
func (s *StorageShard) PickIndexNodePerShard() []uint16 {
	numShards := len(s.indexShardNodes)
	picked := make([]uint16, 0, numShards)
	first := s.PickIndexShard()
	for i := first; i < numShards+first; i++ {
		picked = append(picked, s.PickIndexNode(i%numShards))
	}
	return picked
}

// PickAggregatorNode picks the node merging sharded index results. Without
// aggregator nodes one of the sharded index nodes doubles as the merger.
func (s *StorageShard) PickAggregatorNode(shardedIndexNodes []uint16) uint16 {
	if len(s.aggregatorNodes) == 0 {
		return shardedIndexNodes[rand.Intn(len(shardedIndexNodes))]
	}
	idx := s.nextAggregatorNode.Add(1) - 1
	return s.aggregatorNodes[idx%uint64(len(s.aggregatorNodes))]
}

// UseMasterSlaveMerging reports whether index merging falls back to
// master-slave pairs because the view has no aggregator nodes.
func (s *StorageShard) UseMasterSlaveMerging() bool {
	return len(s.aggregatorNodes) == 0
}
