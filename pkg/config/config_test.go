package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaultWorkgroup(t *testing.T) {
	c := &Config{
		Contexts: map[string]ContextConfig{
			"alpha": {Host: "127.0.0.1", Enabled: true},
		},
	}
	require.NoError(t, c.Validate())
	require.Equal(t, DefaultWorkgroup, c.Workgroup)
}

func TestValidateRejectsSelfReferencingPeer(t *testing.T) {
	c := &Config{
		Contexts: map[string]ContextConfig{
			"alpha": {Host: "127.0.0.1", ConnectToPeers: []string{"alpha"}},
		},
	}
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownPeer(t *testing.T) {
	c := &Config{
		Contexts: map[string]ContextConfig{
			"alpha": {Host: "127.0.0.1", ConnectToPeers: []string{"beta"}},
		},
	}
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativePort(t *testing.T) {
	c := &Config{
		Contexts: map[string]ContextConfig{
			"alpha": {Host: "127.0.0.1", Enabled: true, TCPServerPort: -1},
		},
	}
	require.Error(t, c.Validate())
}

func TestValidateAcceptsWellFormedPeerMesh(t *testing.T) {
	c := &Config{
		Workgroup: "lab1",
		Contexts: map[string]ContextConfig{
			"alpha": {Host: "127.0.0.1", TCPServerPort: 5000, ConnectToPeers: []string{"beta"}, Enabled: true},
			"beta":  {Host: "127.0.0.1", TCPServerPort: 5001, ConnectToPeers: []string{"alpha"}, Enabled: true},
		},
	}
	require.NoError(t, c.Validate())
	require.ElementsMatch(t, []string{"alpha", "beta"}, c.ContextNames())
}
