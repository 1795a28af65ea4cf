// Package membership is the cluster membership oracle: node presence via
// gossip, plus a broadcast channel for activation commands that replaces
// the configuration store's activation znodes.
package membership

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// NodeRole names the role a member serves.
type NodeRole string

const (
	RoleSequencer  NodeRole = "sequencer"
	RoleStorage    NodeRole = "storage"
	RoleEngine     NodeRole = "engine"
	RoleIndex      NodeRole = "index"
	RoleAggregator NodeRole = "aggregator"
	RoleGateway    NodeRole = "gateway"
)

// nodeMeta is gossiped as each member's metadata blob.
type nodeMeta struct {
	NodeID uint16   `json:"node_id"`
	Role   NodeRole `json:"role"`
}

// PresenceHandler receives node online/offline events.
type PresenceHandler interface {
	OnNodeOnline(role NodeRole, nodeID uint16)
	OnNodeOffline(role NodeRole, nodeID uint16)
}

// ActivationHandler receives activation commands ("register", "cache",
// "stat/start").
type ActivationHandler func(key string, contents []byte)

// Config holds gossip configuration.
type Config struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Service joins the gossip cluster and relays presence and activation
// events.
type Service struct {
	nodeID uint16
	role   NodeRole
	logger *zap.Logger

	memberlist *memberlist.Memberlist

	mu          sync.Mutex
	presence    []PresenceHandler
	activations []ActivationHandler
}

// NewService creates and joins the membership gossip.
func NewService(cfg *Config, nodeID uint16, role NodeRole, logger *zap.Logger) (*Service, error) {
	s := &Service{
		nodeID: nodeID,
		role:   role,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = fmt.Sprintf("%s-%d", role, nodeID)
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return s, nil
}

// AddPresenceHandler registers a presence handler.
func (s *Service) AddPresenceHandler(h PresenceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, h)
}

// AddActivationHandler registers an activation handler.
func (s *Service) AddActivationHandler(h ActivationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations = append(s.activations, h)
}

// BroadcastActivation sends an activation command to the cluster, e.g.
// "activate/register".
func (s *Service) BroadcastActivation(key string, contents []byte) error {
	payload := append([]byte("activate/"+key+"\n"), contents...)
	for _, member := range s.memberlist.Members() {
		if err := s.memberlist.SendReliable(member, payload); err != nil {
			s.logger.Warn("Failed to send activation",
				zap.String("member", member.Name), zap.Error(err))
		}
	}
	return nil
}

// Shutdown leaves the cluster.
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (s *Service) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(nodeMeta{NodeID: s.nodeID, Role: s.role})
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate; it carries activation
// commands.
func (s *Service) NotifyMsg(data []byte) {
	text := string(data)
	if !strings.HasPrefix(text, "activate/") {
		return
	}
	rest := strings.TrimPrefix(text, "activate/")
	key, contents, _ := strings.Cut(rest, "\n")
	s.mu.Lock()
	handlers := append([]ActivationHandler(nil), s.activations...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(key, []byte(contents))
	}
}

// GetBroadcasts implements memberlist.Delegate.
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (s *Service) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

type eventDelegate struct {
	service *Service
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	meta, ok := parseMeta(node)
	if !ok {
		d.service.logger.Warn("Member without metadata", zap.String("name", node.Name))
		return
	}
	d.service.logger.Info("Node joined",
		zap.String("role", string(meta.Role)), zap.Uint16("node_id", meta.NodeID),
		zap.String("addr", node.Addr.String()))
	d.service.mu.Lock()
	handlers := append([]PresenceHandler(nil), d.service.presence...)
	d.service.mu.Unlock()
	for _, h := range handlers {
		h.OnNodeOnline(meta.Role, meta.NodeID)
	}
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	meta, ok := parseMeta(node)
	if !ok {
		return
	}
	d.service.logger.Info("Node left",
		zap.String("role", string(meta.Role)), zap.Uint16("node_id", meta.NodeID))
	d.service.mu.Lock()
	handlers := append([]PresenceHandler(nil), d.service.presence...)
	d.service.mu.Unlock()
	for _, h := range handlers {
		h.OnNodeOffline(meta.Role, meta.NodeID)
	}
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

func parseMeta(node *memberlist.Node) (nodeMeta, bool) {
	var meta nodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return meta, false
	}
	return meta, true
}
