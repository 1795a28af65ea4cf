// Package transport carries SharedLogMessage frames between nodes over
// gRPC streams. Every frame is a fixed 64-byte header plus payload,
// prefixed by the connection type and source node id; streams are
// one-way, so responses travel on the responder's own egress stream,
// mirroring the ingress-connection / egress-hub split of the server
// runtime.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/funclog/funclog/internal/metrics"
	"github.com/funclog/funclog/internal/protocol"
)

const (
	serviceName      = "funclog.Transport"
	streamMethod     = "/funclog.Transport/MessageStream"
	framePrefixBytes = 4
)

// rawCodec passes frames through grpc untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	frame, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected []byte, got %T", v)
	}
	return frame, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*out = data
	return nil
}

func (rawCodec) Name() string { return "funclog-raw" }

// MessageHandler consumes one decoded frame.
type MessageHandler func(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte)

// NewGRPCServer creates a gRPC server configured for raw frames.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	return grpc.NewServer(opts...)
}

// RegisterIngress registers the message stream service, feeding every
// received frame to handler.
func RegisterIngress(server *grpc.Server, handler MessageHandler, logger *zap.Logger) {
	desc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "MessageStream",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				for {
					var frame []byte
					if err := stream.RecvMsg(&frame); err != nil {
						if err == io.EOF {
							return nil
						}
						return err
					}
					connType, srcNodeID, msg, payload, err := decodeFrame(frame)
					if err != nil {
						logger.Error("Malformed frame", zap.Error(err))
						continue
					}
					handler(connType, srcNodeID, msg, payload)
				}
			},
		}},
	}
	server.RegisterService(desc, nil)
}

// NodeResolver maps a node id to its dialable address.
type NodeResolver func(nodeID uint16) (string, bool)

type streamKey struct {
	connType protocol.ConnType
	dstNode  uint16
}

// Hub is the egress side: it dials peers on demand and keeps one sticky
// stream per (connection type, destination).
type Hub struct {
	nodeID   uint16
	resolver NodeResolver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	conns   map[uint16]*grpc.ClientConn
	streams map[streamKey]grpc.ClientStream
}

// NewHub creates an egress hub.
func NewHub(nodeID uint16, resolver NodeResolver, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		nodeID:   nodeID,
		resolver: resolver,
		metrics:  m,
		logger:   logger,
		conns:    make(map[uint16]*grpc.ClientConn),
		streams:  make(map[streamKey]grpc.ClientStream),
	}
}

// SendSharedLogMessage ships one frame. Returns false when the peer is
// unknown or the stream write failed; the caller decides whether to
// retry.
func (h *Hub) SendSharedLogMessage(connType protocol.ConnType, dstNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) bool {
	msg.PayloadSize = uint32(len(payload))
	frame := encodeFrame(connType, h.nodeID, msg, payload)

	h.mu.Lock()
	stream, err := h.lockedStream(connType, dstNodeID)
	if err != nil {
		h.mu.Unlock()
		h.metrics.SendFailuresTotal.WithLabelValues(connType.String()).Inc()
		h.logger.Warn("No stream to peer",
			zap.Uint16("dst_node_id", dstNodeID), zap.Error(err))
		return false
	}
	err = stream.SendMsg(frame)
	if err != nil {
		// Drop the broken stream; the next send redials.
		delete(h.streams, streamKey{connType, dstNodeID})
	}
	h.mu.Unlock()

	if err != nil {
		h.metrics.SendFailuresTotal.WithLabelValues(connType.String()).Inc()
		return false
	}
	h.metrics.MessagesSentTotal.WithLabelValues(connType.String()).Inc()
	return true
}

func (h *Hub) lockedStream(connType protocol.ConnType, dstNodeID uint16) (grpc.ClientStream, error) {
	key := streamKey{connType, dstNodeID}
	if stream, ok := h.streams[key]; ok {
		return stream, nil
	}
	conn, ok := h.conns[dstNodeID]
	if !ok {
		addr, found := h.resolver(dstNodeID)
		if !found {
			return nil, fmt.Errorf("no address for node %d", dstNodeID)
		}
		var err error
		conn, err = grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})))
		if err != nil {
			return nil, err
		}
		h.conns[dstNodeID] = conn
	}
	desc := &grpc.StreamDesc{
		StreamName:    "MessageStream",
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := conn.NewStream(context.Background(), desc, streamMethod)
	if err != nil {
		return nil, err
	}
	h.streams[key] = stream
	return stream, nil
}

// Close tears down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, stream := range h.streams {
		_ = stream.CloseSend()
	}
	for _, conn := range h.conns {
		_ = conn.Close()
	}
	h.streams = make(map[streamKey]grpc.ClientStream)
	h.conns = make(map[uint16]*grpc.ClientConn)
}

func encodeFrame(connType protocol.ConnType, srcNodeID uint16,
	msg protocol.SharedLogMessage, payload []byte) []byte {
	frame := make([]byte, framePrefixBytes, framePrefixBytes+protocol.HeaderByteSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], uint16(connType))
	binary.LittleEndian.PutUint16(frame[2:4], srcNodeID)
	frame = append(frame, msg.Encode()...)
	frame = append(frame, payload...)
	return frame
}

func decodeFrame(frame []byte) (protocol.ConnType, uint16, protocol.SharedLogMessage, []byte, error) {
	if len(frame) < framePrefixBytes+protocol.HeaderByteSize {
		return 0, 0, protocol.SharedLogMessage{}, nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	connType := protocol.ConnType(binary.LittleEndian.Uint16(frame[0:2]))
	srcNodeID := binary.LittleEndian.Uint16(frame[2:4])
	msg, err := protocol.Decode(frame[framePrefixBytes:])
	if err != nil {
		return 0, 0, protocol.SharedLogMessage{}, nil, err
	}
	payload := frame[framePrefixBytes+protocol.HeaderByteSize:]
	if uint32(len(payload)) < msg.PayloadSize {
		return 0, 0, protocol.SharedLogMessage{}, nil,
			fmt.Errorf("payload size mismatch: have %d, header says %d", len(payload), msg.PayloadSize)
	}
	return connType, srcNodeID, msg, payload[:msg.PayloadSize], nil
}
