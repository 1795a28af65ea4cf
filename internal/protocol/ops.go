package protocol

// OpType identifies the kind of a SharedLogMessage.
type OpType uint16

const (
	OpInvalid    OpType = 0x00
	OpAppend     OpType = 0x01
	OpReadNext   OpType = 0x02
	OpReadPrev   OpType = 0x03
	OpTrim       OpType = 0x04
	OpSetAuxData OpType = 0x05
	OpReadNextB  OpType = 0x06
	OpReadAt     OpType = 0x07
	OpReplicate  OpType = 0x08
	OpIndexData  OpType = 0x09
	OpMetaLogs   OpType = 0x0a
	OpMetaProg   OpType = 0x0b
	OpShardProg  OpType = 0x0c
	OpRegister   OpType = 0x0d
	OpResponse   OpType = 0x10
)

// ResultType identifies the outcome carried by a RESPONSE message or a
// function-worker reply.
type ResultType uint16

const (
	ResultInvalid ResultType = 0x00

	// Successful results
	ResultAppendOK  ResultType = 0x20
	ResultReadOK    ResultType = 0x21
	ResultTrimOK    ResultType = 0x22
	ResultLocalID   ResultType = 0x23
	ResultAuxDataOK ResultType = 0x24

	// Error results
	ResultBadArgs    ResultType = 0x40
	ResultDiscarded  ResultType = 0x41
	ResultEmpty      ResultType = 0x42
	ResultDataLost   ResultType = 0x43
	ResultTrimFailed ResultType = 0x44

	// Internal index outcomes, never sent to workers directly
	ResultIndexFound    ResultType = 0x50
	ResultIndexContinue ResultType = 0x51
	ResultIndexMiss     ResultType = 0x52
)

// Message flags.
const (
	// FlagSubQuery marks an index query fanned out by a merger node; the
	// receiver answers with a partial result instead of acting on it.
	FlagSubQuery uint16 = 1 << 0
)

// ConnType identifies a typed point-to-point stream between two roles.
type ConnType uint16

const (
	ConnEngineToStorage ConnType = iota + 1
	ConnEngineToSequencer
	ConnEngineToIndex
	ConnEngineToEngine
	ConnStorageToSequencer
	ConnSequencerToSequencer
	ConnSequencerBroadcast
	ConnStorageToIndex
	ConnIndexToAggregator
)

func (c ConnType) String() string {
	switch c {
	case ConnEngineToStorage:
		return "ENGINE_TO_STORAGE"
	case ConnEngineToSequencer:
		return "ENGINE_TO_SEQUENCER"
	case ConnEngineToIndex:
		return "ENGINE_TO_INDEX"
	case ConnEngineToEngine:
		return "SLOG_ENGINE_TO_ENGINE"
	case ConnStorageToSequencer:
		return "STORAGE_TO_SEQUENCER"
	case ConnSequencerToSequencer:
		return "SEQUENCER_TO_SEQUENCER"
	case ConnSequencerBroadcast:
		return "SEQUENCER_BROADCAST"
	case ConnStorageToIndex:
		return "STORAGE_TO_INDEX"
	case ConnIndexToAggregator:
		return "INDEX_TO_AGGREGATOR"
	default:
		return "UNKNOWN"
	}
}
