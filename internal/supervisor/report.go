package supervisor

import (
	"github.com/loykin/skyrelay/internal/device"
	"github.com/loykin/skyrelay/internal/registry"
	"github.com/loykin/skyrelay/internal/timeslice"
)

// Report summarises one Start or Stop.
type Report struct {
	Session string
	Devices []device.Device
	Plan    *device.Plan
	Started []registry.Status
	Stopped []string
	Swept   []int
	// Warnings are non-fatal problems: optional launch failures, device
	// conflicts, an unreachable sidecar.
	Warnings []error
	// SidecarAvailable is false when the sidecar is disabled or unreachable.
	SidecarAvailable bool
}

func (r *Report) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

// ServiceStatus is the status of one service as shown by status and the API.
type ServiceStatus struct {
	Name    string `json:"name"`
	Up      bool   `json:"up"`
	PID     int    `json:"pid,omitempty"`
	Command string `json:"command,omitempty"`
	// Reachable is the HTTP probe result, distinct from pid liveness. Nil when
	// the service has no probe URL.
	Reachable *bool                 `json:"reachable,omitempty"`
	URL       string                `json:"url,omitempty"`
	Slice     *timeslice.SliceState `json:"slice,omitempty"`
}
