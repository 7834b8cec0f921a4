package distributed_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/backends/local"
	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/support/errdefs"
)

func TestNewDeviceMesh(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tests := []struct {
			name     string
			sizes    []int
			axes     []string
			wantRank int
			wantNum  int
		}{
			{name: "1d", sizes: []int{8}, axes: []string{"dp"}, wantRank: 1, wantNum: 8},
			{name: "2d", sizes: []int{2, 4}, axes: []string{"dp", "mp"}, wantRank: 2, wantNum: 8},
			{name: "single device", sizes: []int{1}, axes: []string{"dp"}, wantRank: 1, wantNum: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.sizes, tt.axes)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("errors", func(t *testing.T) {
		_, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"dp"})
		assert.Error(t, err)
		_, err = distributed.NewDeviceMesh([]int{0}, []string{"dp"})
		assert.Error(t, err)
		_, err = distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "dp"})
		assert.Error(t, err)
		_, err = distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "1bad"})
		assert.Error(t, err)
	})
}

func TestMeshForShards(t *testing.T) {
	t.Run("one shard means no mesh", func(t *testing.T) {
		mesh, err := distributed.MeshForShards(local.New(8), 1)
		require.NoError(t, err)
		assert.Nil(t, mesh)
	})

	t.Run("splits devices into dp x mp", func(t *testing.T) {
		mesh, err := distributed.MeshForShards(local.New(8), 2)
		require.NoError(t, err)
		require.NotNil(t, mesh)
		dp, err := mesh.AxisSize(distributed.DataParallelAxis)
		require.NoError(t, err)
		mp, err := mesh.AxisSize(distributed.ModelParallelAxis)
		require.NoError(t, err)
		assert.Equal(t, 4, dp)
		assert.Equal(t, 2, mp)
		assert.Equal(t, 8, mesh.NumDevices())
	})

	t.Run("counts devices across all processes", func(t *testing.T) {
		backend, err := local.NewMultiHost(4, 2, 0)
		require.NoError(t, err)
		mesh, err := distributed.MeshForShards(backend, 4)
		require.NoError(t, err)
		dp, _ := mesh.AxisSize(distributed.DataParallelAxis)
		assert.Equal(t, 2, dp)
	})

	t.Run("indivisible is a configuration error", func(t *testing.T) {
		_, err := distributed.MeshForShards(local.New(8), 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})
}

func TestComputeReplicaGroups(t *testing.T) {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "mp"})
	require.NoError(t, err)

	groups, err := mesh.ComputeReplicaGroups([]string{"mp"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{"dp"})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
}
