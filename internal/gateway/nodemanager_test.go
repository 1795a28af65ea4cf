package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/funclog/funclog/internal/config"
)

func newManager(conf config.GatewayConfig) *NodeManager {
	if conf.MaxRunningRequests == 0 {
		conf.MaxRunningRequests = 16
	}
	if conf.ScaleInGracePeriod == 0 {
		conf.ScaleInGracePeriod = time.Minute
	}
	return NewNodeManager(conf, zap.NewNop())
}

func TestPickNodeNoNodes(t *testing.T) {
	m := newManager(config.GatewayConfig{})
	_, ok := m.PickNodeForNewFuncCall(1, 100)
	assert.False(t, ok)
}

func TestPerFnRoundRobinSpreadsLoad(t *testing.T) {
	m := newManager(config.GatewayConfig{PerFnRoundRobin: true})
	m.OnNodeOnline(1)
	m.OnNodeOnline(2)
	m.OnNodeOnline(3)

	counts := make(map[uint16]int)
	for i := 0; i < 9; i++ {
		nodeID, ok := m.PickNodeForNewFuncCall(7, uint64(i))
		require.True(t, ok)
		counts[nodeID]++
	}
	assert.Len(t, counts, 3)
	for _, c := range counts {
		assert.Equal(t, 3, c)
	}
}

func TestLeastLoadPicksIdleNode(t *testing.T) {
	m := newManager(config.GatewayConfig{PickLeastLoad: true})
	m.OnNodeOnline(1)
	m.OnNodeOnline(2)

	first, ok := m.PickNodeForNewFuncCall(1, 1)
	require.True(t, ok)
	second, ok := m.PickNodeForNewFuncCall(1, 2)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	// Finishing the first call makes its node least loaded again.
	m.FuncCallFinished(1)
	third, ok := m.PickNodeForNewFuncCall(1, 3)
	require.True(t, ok)
	assert.Equal(t, first, third)
}

func TestRunningRequestCap(t *testing.T) {
	m := newManager(config.GatewayConfig{MaxRunningRequests: 1})
	m.OnNodeOnline(1)

	_, ok := m.PickNodeForNewFuncCall(1, 1)
	require.True(t, ok)
	// Cap is max_running_requests * numNodes = 1; the map holds one
	// entry, a second pick still passes (> comparison), the third fails.
	_, ok = m.PickNodeForNewFuncCall(1, 2)
	require.True(t, ok)
	_, ok = m.PickNodeForNewFuncCall(1, 3)
	assert.False(t, ok)
}

func TestOfflineIdempotent(t *testing.T) {
	m := newManager(config.GatewayConfig{})
	m.OnNodeOnline(1)
	m.OnNodeOffline(1)
	assert.Equal(t, 0, m.NumConnectedNodes())

	// Removing again is a no-op.
	m.OnNodeOffline(1)
	assert.Equal(t, 0, m.NumConnectedNodes())
}

func TestFinishUnknownCall(t *testing.T) {
	m := newManager(config.GatewayConfig{})
	m.OnNodeOnline(1)
	m.FuncCallFinished(99)
}

func TestScaleInRemovesFromRoutingAndDrains(t *testing.T) {
	m := newManager(config.GatewayConfig{})
	m.OnNodeOnline(1)
	m.OnNodeOnline(2)

	m.OnNodeScaled(ScaleIn, 1)
	assert.Equal(t, 1, m.NumConnectedNodes())
	assert.True(t, m.IsDraining(1))

	for i := 0; i < 8; i++ {
		nodeID, ok := m.PickNodeForNewFuncCall(1, uint64(i))
		require.True(t, ok)
		assert.Equal(t, uint16(2), nodeID)
	}
}

func TestScaleInGraceExpiry(t *testing.T) {
	m := newManager(config.GatewayConfig{ScaleInGracePeriod: time.Millisecond})
	m.OnNodeOnline(1)
	m.OnNodeScaled(ScaleIn, 1)
	assert.Eventually(t, func() bool { return !m.IsDraining(1) },
		time.Second, 5*time.Millisecond)
}
