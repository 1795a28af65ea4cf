package gateway

import (
	"github.com/funclog/funclog/internal/membership"
)

// MembershipAdapter feeds engine presence events from the gossip oracle
// into the node manager's routing set.
type MembershipAdapter struct {
	Manager *NodeManager
}

// OnNodeOnline implements membership.PresenceHandler.
func (a MembershipAdapter) OnNodeOnline(role membership.NodeRole, nodeID uint16) {
	if role == membership.RoleEngine {
		a.Manager.OnNodeOnline(nodeID)
	}
}

// OnNodeOffline implements membership.PresenceHandler.
func (a MembershipAdapter) OnNodeOffline(role membership.NodeRole, nodeID uint16) {
	if role == membership.RoleEngine {
		a.Manager.OnNodeOffline(nodeID)
	}
}
