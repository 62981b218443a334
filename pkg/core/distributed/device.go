package distributed

import "fmt"

// DeviceNum identifies an accelerator local to a worker. CPU is the host memory.
type DeviceNum int

// CPU is the host memory of the worker: used for offloaded shards.
const CPU DeviceNum = -1

// String implements fmt.Stringer.
func (d DeviceNum) String() string {
	if d == CPU {
		return "cpu"
	}
	return fmt.Sprintf("device:%d", int(d))
}

// IsCPU returns whether the device is the host memory.
func (d DeviceNum) IsCPU() bool {
	return d == CPU
}
