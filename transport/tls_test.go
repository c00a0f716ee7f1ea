package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgecore/gg-cert-core/config"
)

func TestBuildTLSConfigNilWhenUnconfigured(t *testing.T) {
	tlsConfig, err := buildTLSConfig(config.MQTTConfig{BrokerURL: "tcp://localhost:1883"})
	require.NoError(t, err)
	require.Nil(t, tlsConfig)
}

func TestBuildTLSConfigErrorsOnMissingCAFile(t *testing.T) {
	_, err := buildTLSConfig(config.MQTTConfig{CAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
}
