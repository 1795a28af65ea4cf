package membership

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNodeMetaRoundTrip(t *testing.T) {
	s := &Service{nodeID: 7, role: RoleStorage, logger: zap.NewNop()}

	data := s.NodeMeta(512)
	var meta nodeMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, uint16(7), meta.NodeID)
	assert.Equal(t, RoleStorage, meta.Role)
}

func TestActivationMessageDispatch(t *testing.T) {
	s := &Service{nodeID: 1, role: RoleEngine, logger: zap.NewNop()}

	var gotKey string
	var gotContents []byte
	s.AddActivationHandler(func(key string, contents []byte) {
		gotKey = key
		gotContents = contents
	})

	s.NotifyMsg([]byte("activate/register\npayload"))
	assert.Equal(t, "register", gotKey)
	assert.Equal(t, []byte("payload"), gotContents)

	// Non-activation gossip is ignored.
	gotKey = ""
	s.NotifyMsg([]byte("something else"))
	assert.Empty(t, gotKey)
}
