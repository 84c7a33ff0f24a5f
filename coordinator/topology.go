// Package coordinator fans the shard plan out across workers, runs the
// per-shard encode pipeline, and merges per-worker running statistics
// into a single global result owned by the leader.
//
// Startup is explicitly two-phase: first a Topology is established from
// externally supplied process/device counts, then workers are
// constructed bound to that topology. No component discovers topology
// ambiently.
package coordinator

import "fmt"

// TopologyError indicates invalid process/device parameters. It is
// fatal and raised before any work starts.
type TopologyError struct {
	Reason string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

// Topology describes the externally supplied process/device layout of a
// run: how many cooperating processes exist, which one this is, and how
// many worker devices this process drives.
type Topology struct {
	ProcessCount     int
	ProcessIndex     int
	LocalDeviceCount int
}

// Validate checks the topology parameters.
func (t Topology) Validate() error {
	if t.ProcessCount <= 0 {
		return &TopologyError{Reason: fmt.Sprintf("process count %d, must be positive", t.ProcessCount)}
	}
	if t.ProcessIndex < 0 || t.ProcessIndex >= t.ProcessCount {
		return &TopologyError{Reason: fmt.Sprintf("process index %d out of range [0, %d)", t.ProcessIndex, t.ProcessCount)}
	}
	if t.LocalDeviceCount <= 0 {
		return &TopologyError{Reason: fmt.Sprintf("local device count %d, must be positive", t.LocalDeviceCount)}
	}
	return nil
}

// GlobalWorkers returns the total worker count across all processes.
// Every process is assumed to drive the same number of devices.
func (t Topology) GlobalWorkers() int {
	return t.ProcessCount * t.LocalDeviceCount
}

// GlobalWorkerIndex returns the global index of a local device's worker.
func (t Topology) GlobalWorkerIndex(device int) int {
	return t.ProcessIndex*t.LocalDeviceCount + device
}

// IsLeader reports whether this process is the designated leader, the
// only process allowed to write the final artifact.
func (t Topology) IsLeader() bool { return t.ProcessIndex == 0 }
