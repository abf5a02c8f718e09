package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitoringSnapshot_PickBackend_DeterministicTieBreak(t *testing.T) {
	snap := MonitoringSnapshot{HostedCompositoryModels: map[string][]string{
		"b1": {"m0"},
		"b0": {"m0"},
		"b2": {"m1"},
	}}

	backend, ok := snap.PickBackend("m0")
	assert.True(t, ok)
	assert.Equal(t, "b0", backend)
}

func TestMonitoringSnapshot_PickBackend_NotHosted(t *testing.T) {
	snap := MonitoringSnapshot{HostedCompositoryModels: map[string][]string{"b0": {"m0"}}}

	_, ok := snap.PickBackend("unknown")
	assert.False(t, ok)
}

func TestMonitoringSnapshot_HostsModel(t *testing.T) {
	snap := MonitoringSnapshot{HostedCompositoryModels: map[string][]string{"b0": {"m0"}}}

	assert.True(t, snap.HostsModel("m0"))
	assert.False(t, snap.HostsModel("m1"))
}
