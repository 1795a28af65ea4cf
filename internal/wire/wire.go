// Package wire holds the protobuf messages carried as payloads of
// SharedLogMessage frames: metalog entries, index-data packages, storage
// shard progress vectors, and the view blob published by the configuration
// store. The messages are declared in protobuf struct-tag form and
// marshaled through the proto runtime, so the encoding stays compatible
// with any protoc-generated peer of the same schema.
package wire

import (
	"github.com/golang/protobuf/proto"
)

// MetaLogType discriminates metalog entry kinds.
type MetaLogType int32

const (
	// MetaLogNewLogs assigns sequence numbers to replicated appends.
	MetaLogNewLogs MetaLogType = 0
)

// NewLogsProto describes one global cut: for every dirty shard, the shard's
// previous cut position and the number of new entries admitted.
type NewLogsProto struct {
	StartSeqnum uint32   `protobuf:"varint,1,opt,name=start_seqnum" json:"start_seqnum,omitempty"`
	ShardIds    []uint32 `protobuf:"varint,2,rep,packed,name=shard_ids" json:"shard_ids,omitempty"`
	ShardStarts []uint32 `protobuf:"varint,3,rep,packed,name=shard_starts" json:"shard_starts,omitempty"`
	ShardDeltas []uint32 `protobuf:"varint,4,rep,packed,name=shard_deltas" json:"shard_deltas,omitempty"`
}

func (m *NewLogsProto) Reset()         { *m = NewLogsProto{} }
func (m *NewLogsProto) String() string { return proto.CompactTextString(m) }
func (*NewLogsProto) ProtoMessage()    {}

// MetaLogProto is a single entry of a phylog's metalog.
type MetaLogProto struct {
	LogspaceId    uint32        `protobuf:"varint,1,opt,name=logspace_id" json:"logspace_id,omitempty"`
	MetalogSeqnum uint32        `protobuf:"varint,2,opt,name=metalog_seqnum" json:"metalog_seqnum,omitempty"`
	Type          MetaLogType   `protobuf:"varint,3,opt,name=type" json:"type,omitempty"`
	NewLogs       *NewLogsProto `protobuf:"bytes,4,opt,name=new_logs" json:"new_logs,omitempty"`
}

func (m *MetaLogProto) Reset()         { *m = MetaLogProto{} }
func (m *MetaLogProto) String() string { return proto.CompactTextString(m) }
func (*MetaLogProto) ProtoMessage()    {}

// MetaLogsProto batches metalog entries for broadcast.
type MetaLogsProto struct {
	Metalogs []*MetaLogProto `protobuf:"bytes,1,rep,name=metalogs" json:"metalogs,omitempty"`
}

func (m *MetaLogsProto) Reset()         { *m = MetaLogsProto{} }
func (m *MetaLogsProto) String() string { return proto.CompactTextString(m) }
func (*MetaLogsProto) ProtoMessage()    {}

// IndexDataProto carries the index tuples a storage node produced for one
// applied NEW_LOGS entry. Tags are flattened; UserTagSizes gives the
// per-entry tag count.
type IndexDataProto struct {
	MetalogPosition            uint32   `protobuf:"varint,1,opt,name=metalog_position" json:"metalog_position,omitempty"`
	EndSeqnumPosition          uint32   `protobuf:"varint,2,opt,name=end_seqnum_position" json:"end_seqnum_position,omitempty"`
	NumProductiveStorageShards uint32   `protobuf:"varint,3,opt,name=num_productive_storage_shards" json:"num_productive_storage_shards,omitempty"`
	MyProductiveStorageShards  []uint32 `protobuf:"varint,4,rep,packed,name=my_productive_storage_shards" json:"my_productive_storage_shards,omitempty"`
	SeqnumHalves               []uint32 `protobuf:"varint,5,rep,packed,name=seqnum_halves" json:"seqnum_halves,omitempty"`
	EngineIds                  []uint32 `protobuf:"varint,6,rep,packed,name=engine_ids" json:"engine_ids,omitempty"`
	UserLogspaces              []uint32 `protobuf:"varint,7,rep,packed,name=user_logspaces" json:"user_logspaces,omitempty"`
	UserTagSizes               []uint32 `protobuf:"varint,8,rep,packed,name=user_tag_sizes" json:"user_tag_sizes,omitempty"`
	UserTags                   []uint64 `protobuf:"varint,9,rep,packed,name=user_tags" json:"user_tags,omitempty"`
}

func (m *IndexDataProto) Reset()         { *m = IndexDataProto{} }
func (m *IndexDataProto) String() string { return proto.CompactTextString(m) }
func (*IndexDataProto) ProtoMessage()    {}

// IndexDataPackagesProto batches index-data packages for transmission.
type IndexDataPackagesProto struct {
	LogspaceId uint32            `protobuf:"varint,1,opt,name=logspace_id" json:"logspace_id,omitempty"`
	Packages   []*IndexDataProto `protobuf:"bytes,2,rep,name=packages" json:"packages,omitempty"`
}

func (m *IndexDataPackagesProto) Reset()         { *m = IndexDataPackagesProto{} }
func (m *IndexDataPackagesProto) String() string { return proto.CompactTextString(m) }
func (*IndexDataPackagesProto) ProtoMessage()    {}

// ShardProgressProto is the per-storage progress vector sent to the
// primary sequencer: one entry per local shard the storage replicates, in
// the storage node's shard order.
type ShardProgressProto struct {
	LogspaceId uint32   `protobuf:"varint,1,opt,name=logspace_id" json:"logspace_id,omitempty"`
	Progresses []uint32 `protobuf:"varint,2,rep,packed,name=progresses" json:"progresses,omitempty"`
}

func (m *ShardProgressProto) Reset()         { *m = ShardProgressProto{} }
func (m *ShardProgressProto) String() string { return proto.CompactTextString(m) }
func (*ShardProgressProto) ProtoMessage()    {}

// ViewProto is the configuration-store blob a new view is built from.
type ViewProto struct {
	Id                        uint32   `protobuf:"varint,1,opt,name=id" json:"id,omitempty"`
	MetalogReplicas           uint32   `protobuf:"varint,2,opt,name=metalog_replicas" json:"metalog_replicas,omitempty"`
	UserlogReplicas           uint32   `protobuf:"varint,3,opt,name=userlog_replicas" json:"userlog_replicas,omitempty"`
	IndexReplicas             uint32   `protobuf:"varint,4,opt,name=index_replicas" json:"index_replicas,omitempty"`
	NumIndexShards            uint32   `protobuf:"varint,5,opt,name=num_index_shards" json:"num_index_shards,omitempty"`
	NumPhylogs                uint32   `protobuf:"varint,6,opt,name=num_phylogs" json:"num_phylogs,omitempty"`
	StorageShardsPerSequencer uint32   `protobuf:"varint,7,opt,name=storage_shards_per_sequencer" json:"storage_shards_per_sequencer,omitempty"`
	SequencerNodes            []uint32 `protobuf:"varint,8,rep,packed,name=sequencer_nodes" json:"sequencer_nodes,omitempty"`
	StorageNodes              []uint32 `protobuf:"varint,9,rep,packed,name=storage_nodes" json:"storage_nodes,omitempty"`
	IndexNodes                []uint32 `protobuf:"varint,10,rep,packed,name=index_nodes" json:"index_nodes,omitempty"`
	AggregatorNodes           []uint32 `protobuf:"varint,11,rep,packed,name=aggregator_nodes" json:"aggregator_nodes,omitempty"`
	LogSpaceHashSeed          uint64   `protobuf:"varint,12,opt,name=log_space_hash_seed" json:"log_space_hash_seed,omitempty"`
	LogSpaceHashTokens        []uint32 `protobuf:"varint,13,rep,packed,name=log_space_hash_tokens" json:"log_space_hash_tokens,omitempty"`
	ActivePhylogs             []uint32 `protobuf:"varint,14,rep,packed,name=active_phylogs" json:"active_phylogs,omitempty"`
}

func (m *ViewProto) Reset()         { *m = ViewProto{} }
func (m *ViewProto) String() string { return proto.CompactTextString(m) }
func (*ViewProto) ProtoMessage()    {}

// Marshal serializes a wire message.
func Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

// Unmarshal parses a wire message.
func Unmarshal(data []byte, m proto.Message) error {
	return proto.Unmarshal(data, m)
}
