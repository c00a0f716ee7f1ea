package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewShadowTopics(t *testing.T) {
	topics := NewShadowTopics("device-1")
	require.Equal(t, "$aws/things/device-1-gci/shadow/update/delta", topics.Delta)
	require.Equal(t, "$aws/things/device-1-gci/shadow/get/accepted", topics.GetAccepted)
	require.Equal(t, "$aws/things/device-1-gci/shadow/get", topics.Get)
	require.Equal(t, "$aws/things/device-1-gci/shadow/update", topics.Update)
}
