// Package backends defines the seam between the orchestration layer and the
// numerical-computing substrate it drives.
//
// The orchestration layer only needs the substrate's device topology: how many
// accelerator devices are attached to this process, and how many cooperating
// processes (hosts) participate in the run. Model execution, automatic
// differentiation and cross-host collectives all live behind the model's apply
// function and the loss-and-gradients function supplied by the caller.
package backends

// Backend describes the device topology of a numerical substrate.
//
// Implementations must be safe for concurrent use: the topology is a
// process-wide singleton set up once at startup and never torn down mid-run.
type Backend interface {
	// Name identifies the backend, for logging.
	Name() string

	// NumDevices returns the number of devices local to this process.
	NumDevices() int

	// NumProcesses returns the number of cooperating host processes.
	NumProcesses() int

	// ProcessIndex returns the index of this process, in [0, NumProcesses).
	ProcessIndex() int
}

// GlobalDeviceCount returns the total number of devices across all processes.
//
// Like its JAX counterpart, it assumes the homogeneous case: every process has
// the same local device count.
func GlobalDeviceCount(b Backend) int {
	return b.NumDevices() * b.NumProcesses()
}
