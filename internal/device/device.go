package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoDeviceFound is returned when enumeration yields no device. It is fatal to startup.
var ErrNoDeviceFound = errors.New("no device found")

// Function is a logical capture function.
type Function string

const (
	ADSB  Function = "adsb"
	VDL2  Function = "vdl2"
	ACARS Function = "acars"
)

// Functions lists every known function in default startup order.
var Functions = []Function{ADSB, VDL2, ACARS}

func (f Function) Valid() bool {
	switch f {
	case ADSB, VDL2, ACARS:
		return true
	}
	return false
}

// Device identifies one exclusive-access receiver.
type Device struct {
	Index      int    `json:"index" yaml:"index"`
	Serial     string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`
}

// ID is the stable identifier used in service names and commands.
func (d Device) ID() string { return strconv.Itoa(d.Index) }

func (d Device) String() string {
	if d.Descriptor == "" {
		return "#" + d.ID()
	}
	return "#" + d.ID() + " " + d.Descriptor
}

// Enumerator queries the hardware layer.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// Enumerate runs e and fails with ErrNoDeviceFound on an empty result.
func Enumerate(ctx context.Context, e Enumerator) ([]Device, error) {
	devs, err := e.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(devs) == 0 {
		return nil, ErrNoDeviceFound
	}
	return devs, nil
}

// StaticEnumerator returns a fixed device list from configuration.
type StaticEnumerator []Device

func (s StaticEnumerator) Enumerate(context.Context) ([]Device, error) {
	return append([]Device(nil), s...), nil
}

// DefaultProbeCommand lists attached RTL-SDR receivers.
const DefaultProbeCommand = "rtl_test -t"

// CommandEnumerator runs a probe command and parses its device listing.
// The probe's exit status is ignored because probe tools commonly exit non-zero
// after printing the list; a probe that cannot be executed is an error.
type CommandEnumerator struct {
	Command string
	Timeout time.Duration
}

func (c CommandEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	cmdStr := strings.TrimSpace(c.Command)
	if cmdStr == "" {
		cmdStr = DefaultProbeCommand
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(cmdStr)
	// #nosec G204
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return nil, fmt.Errorf("run probe %q: %w", cmdStr, err)
		}
	}
	return ParseProbeOutput(string(out)), nil
}

var (
	probeLine   = regexp.MustCompile(`^\s*(\d+):\s+(.+?)\s*$`)
	probeSerial = regexp.MustCompile(`SN:\s*(\S+)`)
)

// ParseProbeOutput extracts devices from lines like
// "  0:  Realtek, RTL2838UHIDIR, SN: 00000001". Other lines are ignored.
func ParseProbeOutput(out string) []Device {
	var devs []Device
	seen := make(map[int]bool)
	s := bufio.NewScanner(strings.NewReader(out))
	for s.Scan() {
		m := probeLine.FindStringSubmatch(s.Text())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || seen[idx] {
			continue
		}
		seen[idx] = true
		d := Device{Index: idx, Descriptor: m[2]}
		if sm := probeSerial.FindStringSubmatch(m[2]); sm != nil {
			d.Serial = strings.TrimRight(sm[1], ",")
		}
		devs = append(devs, d)
	}
	return devs
}
