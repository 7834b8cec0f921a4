// Package local implements a backends.Backend that emulates a device topology
// within the current process.
//
// It is the default substrate for tests and CPU-only runs: "devices" are
// per-replica goroutines scheduled by the deployers package. The multi-host
// constructor exists so host-level batch partitioning can be exercised without
// an actual multi-process launch.
package local

import (
	"runtime"

	"github.com/texora/redco/backends"
	"github.com/texora/redco/pkg/support/errdefs"
)

// Backend is an in-process emulated device topology.
type Backend struct {
	numDevices   int
	numProcesses int
	processIndex int
}

var _ backends.Backend = (*Backend)(nil)

// New creates a single-process backend with the given number of emulated
// devices. numDevices <= 0 selects one device per available CPU.
func New(numDevices int) *Backend {
	if numDevices <= 0 {
		numDevices = runtime.NumCPU()
	}
	return &Backend{numDevices: numDevices, numProcesses: 1}
}

// NewMultiHost creates a backend that reports a multi-process topology: this
// process plays the role of host processIndex out of numProcesses, each with
// numDevices local devices.
func NewMultiHost(numDevices, numProcesses, processIndex int) (*Backend, error) {
	if numDevices <= 0 || numProcesses <= 0 {
		return nil, errdefs.Configurationf(
			"local.NewMultiHost: device and process counts must be positive, got %d and %d",
			numDevices, numProcesses)
	}
	if processIndex < 0 || processIndex >= numProcesses {
		return nil, errdefs.Configurationf(
			"local.NewMultiHost: process index %d out of range [0, %d)", processIndex, numProcesses)
	}
	return &Backend{numDevices: numDevices, numProcesses: numProcesses, processIndex: processIndex}, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return "local" }

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() int { return b.numDevices }

// NumProcesses implements backends.Backend.
func (b *Backend) NumProcesses() int { return b.numProcesses }

// ProcessIndex implements backends.Backend.
func (b *Backend) ProcessIndex() int { return b.processIndex }
