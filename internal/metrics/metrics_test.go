package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersIntoGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EnvelopesVerified.Inc()
	m.CallsEnded.WithLabelValues("completed").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["callvault_envelopes_verified_total"])
	assert.True(t, names["callvault_calls_ended_total"])
}

func TestNewIsSafeToCallPerInstance(t *testing.T) {
	// Two hubs in one process must not collide on a shared registry.
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
