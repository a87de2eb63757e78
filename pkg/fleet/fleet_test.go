package fleet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/healthoor/pkg/config"
	"github.com/ethpandaops/healthoor/pkg/fleet"
)

func testFleetConfig() *config.FleetConfig {
	return &config.FleetConfig{
		Workers: []config.WorkerConfig{
			{Name: "gamma", Type: "factory", Address: "http://gamma:9090"},
			{Name: "alpha", Type: "factory", Address: "http://alpha:9090"},
			{Name: "beta", Type: "specialist", Address: "local:beta"},
		},
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	r, err := fleet.NewRegistry(testFleetConfig())
	require.NoError(t, err)

	workers := r.List()
	require.Len(t, workers, 3)
	assert.Equal(t, "alpha", workers[0].Name)
	assert.Equal(t, "beta", workers[1].Name)
	assert.Equal(t, "gamma", workers[2].Name)
}

func TestRegistry_RejectsEmptyAndDuplicates(t *testing.T) {
	_, err := fleet.NewRegistry(&config.FleetConfig{})
	require.Error(t, err)

	_, err = fleet.NewRegistry(&config.FleetConfig{
		Workers: []config.WorkerConfig{
			{Name: "alpha", Type: "factory", Address: "http://a:1"},
			{Name: "alpha", Type: "specialist", Address: "http://b:2"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRegistry_Get(t *testing.T) {
	r, err := fleet.NewRegistry(testFleetConfig())
	require.NoError(t, err)

	w, ok := r.Get("beta")
	require.True(t, ok)
	assert.Equal(t, "specialist", w.Type)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Resolve(t *testing.T) {
	r, err := fleet.NewRegistry(testFleetConfig())
	require.NoError(t, err)

	// Empty filters select the whole fleet.
	assert.Len(t, r.Resolve(nil, nil), 3)

	byName := r.Resolve([]string{"alpha", "gamma"}, nil)
	require.Len(t, byName, 2)
	assert.Equal(t, "alpha", byName[0].Name)
	assert.Equal(t, "gamma", byName[1].Name)

	byType := r.Resolve(nil, []string{"specialist"})
	require.Len(t, byType, 1)
	assert.Equal(t, "beta", byType[0].Name)

	// Name and type filters intersect.
	both := r.Resolve([]string{"alpha", "beta"}, []string{"factory"})
	require.Len(t, both, 1)
	assert.Equal(t, "alpha", both[0].Name)

	// Unknown selectors resolve to nothing rather than erroring here.
	assert.Empty(t, r.Resolve([]string{"missing"}, nil))
}

func TestWorker_Local(t *testing.T) {
	remote := fleet.Worker{Name: "a", Address: "http://a:9090"}
	assert.False(t, remote.IsLocal())

	local := fleet.Worker{Name: "b", Address: "local:embedded"}
	assert.True(t, local.IsLocal())
	assert.Equal(t, "embedded", local.LocalHandle())
}
