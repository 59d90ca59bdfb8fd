package supervisor

import (
	"fmt"
	"time"

	"github.com/loykin/skyrelay/internal/device"
)

// FatalStartupError aborts Start before or during launch: no device, a missing
// required tool, or a required service that failed to launch.
type FatalStartupError struct {
	Resource string
	Err      error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("startup failed: %s: %v", e.Resource, e.Err)
}

func (e *FatalStartupError) Unwrap() error { return e.Err }

// LaunchFailure reports a service that could not be launched. It is fatal only
// when Required is set.
type LaunchFailure struct {
	Service  string
	Required bool
	Err      error
}

func (e *LaunchFailure) Error() string {
	kind := "optional"
	if e.Required {
		kind = "required"
	}
	return fmt.Sprintf("launch %s service %s: %v", kind, e.Service, e.Err)
}

func (e *LaunchFailure) Unwrap() error { return e.Err }

// DeviceConflict reports functions sharing a device without time-slicing.
type DeviceConflict = device.Conflict

// SidecarUnreachable means the AI sidecar did not answer its readiness probe in
// time. The sidecar keeps running; the feature is reported unavailable.
type SidecarUnreachable struct {
	URL    string
	Waited time.Duration
}

func (e *SidecarUnreachable) Error() string {
	return fmt.Sprintf("sidecar not ready at %s after %s", e.URL, e.Waited)
}
