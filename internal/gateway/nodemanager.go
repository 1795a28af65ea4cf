// Package gateway tracks connected engine nodes and dispatches new
// function calls across them.
package gateway

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
)

// ScaleOp distinguishes scale events from the membership oracle.
type ScaleOp int

const (
	ScaleOut ScaleOp = iota
	ScaleIn
)

type engineNode struct {
	nodeID           uint16
	inflightRequests int
}

// NodeManager routes new function calls to engine nodes: random,
// per-function round-robin, or least-load, per configuration. Scale-in
// removes a node from routing while in-flight calls drain.
type NodeManager struct {
	conf   config.GatewayConfig
	logger *zap.Logger

	mu                  sync.Mutex
	connectedNodes      map[uint16]*engineNode
	connectedNodeList   []*engineNode
	runningRequests     map[uint64]uint16
	maxRunningRequests  int
	nextDispatchNodeIdx map[uint16]int
	drainingNodes       map[uint16]time.Time
}

// NewNodeManager creates a node manager.
func NewNodeManager(conf config.GatewayConfig, logger *zap.Logger) *NodeManager {
	return &NodeManager{
		conf:                conf,
		logger:              logger,
		connectedNodes:      make(map[uint16]*engineNode),
		runningRequests:     make(map[uint64]uint16),
		nextDispatchNodeIdx: make(map[uint16]int),
		drainingNodes:       make(map[uint16]time.Time),
	}
}

// PickNodeForNewFuncCall selects the engine node for a new function call.
// Returns false when no node is available or the number of running
// requests already exceeds the cap.
func (m *NodeManager) PickNodeForNewFuncCall(funcID uint16, fullCallID uint64) (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.connectedNodeList) == 0 {
		return 0, false
	}
	if m.maxRunningRequests > 0 && len(m.runningRequests) > m.maxRunningRequests {
		return 0, false
	}
	var idx int
	switch {
	case m.conf.PerFnRoundRobin:
		idx = m.nextDispatchNodeIdx[funcID] % len(m.connectedNodeList)
		m.nextDispatchNodeIdx[funcID]++
	case m.conf.PickLeastLoad:
		for i, node := range m.connectedNodeList {
			if node.inflightRequests < m.connectedNodeList[idx].inflightRequests {
				idx = i
			}
		}
	default:
		idx = rand.Intn(len(m.connectedNodeList))
	}
	node := m.connectedNodeList[idx]
	node.inflightRequests++
	m.runningRequests[fullCallID] = node.nodeID
	return node.nodeID, true
}

// FuncCallFinished releases the slot a finished call held.
func (m *NodeManager) FuncCallFinished(fullCallID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodeID, ok := m.runningRequests[fullCallID]
	if !ok {
		m.logger.Warn("No running request for this function call",
			zap.Uint64("call_id", fullCallID))
		return
	}
	delete(m.runningRequests, fullCallID)
	node, ok := m.connectedNodes[nodeID]
	if !ok {
		m.logger.Warn("The node does not exist anymore", zap.Uint16("node_id", nodeID))
		return
	}
	node.inflightRequests--
}

// OnNodeOnline adds a fresh engine node to the routing set.
func (m *NodeManager) OnNodeOnline(nodeID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connectedNodes[nodeID]; ok {
		m.logger.Warn("Engine node already exists", zap.Uint16("node_id", nodeID))
		return
	}
	node := &engineNode{nodeID: nodeID}
	m.connectedNodes[nodeID] = node
	m.connectedNodeList = append(m.connectedNodeList, node)
	delete(m.drainingNodes, nodeID)
	m.maxRunningRequests = m.conf.MaxRunningRequests * len(m.connectedNodes)
	m.logger.Info("Engine node online",
		zap.Uint16("node_id", nodeID), zap.Int("connected", len(m.connectedNodes)))
}

// OnNodeOffline removes an engine node. Calling it for an already removed
// node is a no-op.
func (m *NodeManager) OnNodeOffline(nodeID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connectedNodes[nodeID]; !ok {
		m.logger.Info("Engine node already removed", zap.Uint16("node_id", nodeID))
		return
	}
	delete(m.connectedNodes, nodeID)
	delete(m.drainingNodes, nodeID)
	m.rebuildNodeList()
	m.maxRunningRequests = m.conf.MaxRunningRequests * len(m.connectedNodes)
	m.logger.Info("Engine node offline",
		zap.Uint16("node_id", nodeID), zap.Int("connected", len(m.connectedNodes)))
}

// OnNodeScaled handles a scale event. Scale-in removes the node from
// routing immediately; in-flight calls drain within the grace period.
func (m *NodeManager) OnNodeScaled(op ScaleOp, nodeID uint16) {
	switch op {
	case ScaleOut:
		// The node joins routing when it comes online.
	case ScaleIn:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.connectedNodes[nodeID]; !ok {
			return
		}
		delete(m.connectedNodes, nodeID)
		m.rebuildNodeList()
		m.drainingNodes[nodeID] = time.Now().Add(m.conf.ScaleInGracePeriod)
		m.logger.Info("Node will not get new function requests",
			zap.Uint16("node_id", nodeID))
	}
}

// NumConnectedNodes returns the size of the routing set.
func (m *NodeManager) NumConnectedNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connectedNodes)
}

// IsDraining reports whether a node is within its scale-in grace period.
func (m *NodeManager) IsDraining(nodeID uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.drainingNodes[nodeID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(m.drainingNodes, nodeID)
		return false
	}
	return true
}

func (m *NodeManager) rebuildNodeList() {
	m.connectedNodeList = m.connectedNodeList[:0]
	for _, node := range m.connectedNodes {
		m.connectedNodeList = append(m.connectedNodeList, node)
	}
}
