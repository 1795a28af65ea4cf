// Package protocol defines the fixed-size wire header exchanged between
// sequencer, storage, engine, and index nodes, along with the op and result
// enums. The header is a 64-byte little-endian block followed by an opaque
// payload of PayloadSize bytes.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderByteSize is the fixed size of an encoded SharedLogMessage.
	HeaderByteSize = 64

	// TagByteSize is the wire size of a single user tag.
	TagByteSize = 8
)

// InvalidLogSeqNum marks a sequence number that has not been assigned yet.
const InvalidLogSeqNum = uint64(math.MaxUint64)

// InvalidLogTag marks the absence of a query tag; tag-less reads seek by
// seqnum only.
const InvalidLogTag = uint64(math.MaxUint64)

// MaxLogSeqnum bounds user-visible seqnums; the top 16 bits are reserved.
const MaxLogSeqnum = uint64(0xffff000000000000)

// SharedLogMessage is the typed header for every inter-node message.
//
// Wire layout (little endian):
//
//	 0: 2  op_type
//	 2: 4  result_type
//	 4: 8  logspace_id
//	 8:12  seqnum_lowhalf
//	12:16  user_logspace
//	16:24  query_tag
//	24:32  query_seqnum
//	32:40  user_metalog_progress
//	40:48  client_data
//	48:50  origin_node_id
//	50:52  storage_shard_id
//	52:54  hop_times
//	54:56  num_tags
//	56:60  payload_size
//	60:62  aux_data_size
//	62:64  flags
type SharedLogMessage struct {
	Op                  OpType
	Result              ResultType
	LogspaceID          uint32
	SeqnumLowhalf       uint32
	UserLogspace        uint32
	QueryTag            uint64
	QuerySeqnum         uint64
	UserMetalogProgress uint64
	ClientData          uint64
	OriginNodeID        uint16
	StorageShardID      uint16
	HopTimes            uint16
	NumTags             uint16
	PayloadSize         uint32
	AuxDataSize         uint16
	Flags               uint16
}

// Encode writes the header into a fresh 64-byte buffer.
func (m *SharedLogMessage) Encode() []byte {
	buf := make([]byte, HeaderByteSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Op))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(m.Result))
	binary.LittleEndian.PutUint32(buf[4:8], m.LogspaceID)
	binary.LittleEndian.PutUint32(buf[8:12], m.SeqnumLowhalf)
	binary.LittleEndian.PutUint32(buf[12:16], m.UserLogspace)
	binary.LittleEndian.PutUint64(buf[16:24], m.QueryTag)
	binary.LittleEndian.PutUint64(buf[24:32], m.QuerySeqnum)
	binary.LittleEndian.PutUint64(buf[32:40], m.UserMetalogProgress)
	binary.LittleEndian.PutUint64(buf[40:48], m.ClientData)
	binary.LittleEndian.PutUint16(buf[48:50], m.OriginNodeID)
	binary.LittleEndian.PutUint16(buf[50:52], m.StorageShardID)
	binary.LittleEndian.PutUint16(buf[52:54], m.HopTimes)
	binary.LittleEndian.PutUint16(buf[54:56], m.NumTags)
	binary.LittleEndian.PutUint32(buf[56:60], m.PayloadSize)
	binary.LittleEndian.PutUint16(buf[60:62], m.AuxDataSize)
	binary.LittleEndian.PutUint16(buf[62:64], m.Flags)
	return buf
}

// Decode parses a 64-byte header.
func Decode(buf []byte) (SharedLogMessage, error) {
	if len(buf) < HeaderByteSize {
		return SharedLogMessage{}, fmt.Errorf("short message header: %d bytes", len(buf))
	}
	return SharedLogMessage{
		Op:                  OpType(binary.LittleEndian.Uint16(buf[0:2])),
		Result:              ResultType(binary.LittleEndian.Uint16(buf[2:4])),
		LogspaceID:          binary.LittleEndian.Uint32(buf[4:8]),
		SeqnumLowhalf:       binary.LittleEndian.Uint32(buf[8:12]),
		UserLogspace:        binary.LittleEndian.Uint32(buf[12:16]),
		QueryTag:            binary.LittleEndian.Uint64(buf[16:24]),
		QuerySeqnum:         binary.LittleEndian.Uint64(buf[24:32]),
		UserMetalogProgress: binary.LittleEndian.Uint64(buf[32:40]),
		ClientData:          binary.LittleEndian.Uint64(buf[40:48]),
		OriginNodeID:        binary.LittleEndian.Uint16(buf[48:50]),
		StorageShardID:      binary.LittleEndian.Uint16(buf[50:52]),
		HopTimes:            binary.LittleEndian.Uint16(buf[52:54]),
		NumTags:             binary.LittleEndian.Uint16(buf[54:56]),
		PayloadSize:         binary.LittleEndian.Uint32(buf[56:60]),
		AuxDataSize:         binary.LittleEndian.Uint16(buf[60:62]),
		Flags:               binary.LittleEndian.Uint16(buf[62:64]),
	}, nil
}

// NewReplicateMessage builds the header an engine sends alongside a
// replicated log entry.
func NewReplicateMessage(logspaceID uint32) SharedLogMessage {
	return SharedLogMessage{Op: OpReplicate, LogspaceID: logspaceID}
}

// NewReadAtMessage builds a point-read request for a full 64-bit seqnum.
func NewReadAtMessage(seqnum uint64) SharedLogMessage {
	return SharedLogMessage{
		Op:            OpReadAt,
		LogspaceID:    uint32(seqnum >> 32),
		SeqnumLowhalf: uint32(seqnum),
	}
}

// NewResponse builds a RESPONSE header carrying the given result.
func NewResponse(result ResultType) SharedLogMessage {
	return SharedLogMessage{Op: OpResponse, Result: result}
}

// BuildTagsBuffer serializes user tags into their wire form.
func BuildTagsBuffer(tags []uint64) []byte {
	buf := make([]byte, len(tags)*TagByteSize)
	for i, tag := range tags {
		binary.LittleEndian.PutUint64(buf[i*TagByteSize:(i+1)*TagByteSize], tag)
	}
	return buf
}

// ParseTagsBuffer deserializes numTags user tags from the front of payload
// and returns the tags and the remaining payload.
func ParseTagsBuffer(payload []byte, numTags int) ([]uint64, []byte, error) {
	if len(payload) < numTags*TagByteSize {
		return nil, nil, fmt.Errorf("payload too short for %d tags: %d bytes", numTags, len(payload))
	}
	var tags []uint64
	if numTags > 0 {
		tags = make([]uint64, numTags)
		for i := range tags {
			tags[i] = binary.LittleEndian.Uint64(payload[i*TagByteSize : (i+1)*TagByteSize])
		}
	}
	return tags, payload[numTags*TagByteSize:], nil
}
