package engine

import (
	"time"

	"github.com/funclog/funclog/internal/protocol"
)

// LocalOp carries one function-worker operation through the engine
// pipeline. Instances are pooled; fields are reset on acquisition.
type LocalOp struct {
	ID              uint64
	StartTime       time.Time
	Type            protocol.OpType
	ClientID        uint16
	ClientData      uint64
	FuncCallID      uint64
	UserLogspace    uint32
	MetalogProgress uint64
	QueryTag        uint64
	Seqnum          uint64
	UserTags        []uint64
	Data            []byte
	AuxData         []byte

	// remoteMisses counts index-tier re-dispatches after misses.
	remoteMisses int
}

// OpResult is delivered to the function worker that issued the op.
type OpResult struct {
	Result          protocol.ResultType
	Seqnum          uint64
	MetalogProgress uint64
	UserTags        []uint64
	Data            []byte
	AuxData         []byte
}

// ResultHandler delivers a finished operation back to the IPC layer. The
// op is returned to the pool afterwards; handlers must not retain it.
type ResultHandler func(op *LocalOp, result OpResult)

// MessageSender abstracts the typed inter-node streams. Send returns
// false when the message could not be handed to the peer.
type MessageSender interface {
	SendSharedLogMessage(connType protocol.ConnType, dstNodeID uint16,
		msg protocol.SharedLogMessage, payload []byte) bool
}

// FnCallContext tracks the shared-log view of one function invocation.
type FnCallContext struct {
	UserLogspace    uint32
	MetalogProgress uint64
	ParentCallID    uint64
}

// InvalidFuncCallID marks a call without a parent.
const InvalidFuncCallID = ^uint64(0)
