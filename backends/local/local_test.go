package local_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/backends"
	"github.com/texora/redco/backends/local"
	"github.com/texora/redco/pkg/support/errdefs"
)

func TestNew(t *testing.T) {
	b := local.New(4)
	assert.Equal(t, "local", b.Name())
	assert.Equal(t, 4, b.NumDevices())
	assert.Equal(t, 1, b.NumProcesses())
	assert.Equal(t, 0, b.ProcessIndex())
	assert.Equal(t, 4, backends.GlobalDeviceCount(b))

	assert.Positive(t, local.New(0).NumDevices(), "defaults to the CPU count")
}

func TestNewMultiHost(t *testing.T) {
	b, err := local.NewMultiHost(4, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, b.NumProcesses())
	assert.Equal(t, 1, b.ProcessIndex())
	assert.Equal(t, 8, backends.GlobalDeviceCount(b))

	_, err = local.NewMultiHost(4, 2, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	_, err = local.NewMultiHost(4, 0, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}
