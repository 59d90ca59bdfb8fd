package device

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

// Assignment binds a function to a device. A disabled function has no device and
// an empty command.
type Assignment struct {
	Function   Function
	Device     *Device
	TimeSliced bool
	Command    string
}

func (a Assignment) Enabled() bool { return a.Device != nil }

// Group is a set of functions time-sliced on one device, in rotation order.
type Group struct {
	Device    Device
	Functions []Function
}

// Conflict reports functions sharing a device without time-slicing.
// It is a warning: the plan still runs, degraded.
type Conflict struct {
	Device    Device
	Functions []Function
}

func (c *Conflict) Error() string {
	names := make([]string, len(c.Functions))
	for i, f := range c.Functions {
		names[i] = string(f)
	}
	return fmt.Sprintf("device %s shared by %s without time-slicing", c.Device, strings.Join(names, ", "))
}

// Fallback records an operator choice that was rejected in favour of the first device.
type Fallback struct {
	Function Function
	Input    string
	Device   Device
}

// Plan is the immutable device assignment for one supervisor session.
type Plan struct {
	order       []Function
	assignments map[Function]Assignment
	groups      []Group
	conflicts   []Conflict
	fallbacks   []Fallback
}

// Get returns a copy of the assignment for f.
func (p Plan) Get(f Function) (Assignment, bool) {
	a, ok := p.assignments[f]
	return copyAssignment(a), ok
}

// Assignments returns every assignment (enabled or not) in plan order.
func (p Plan) Assignments() []Assignment {
	out := make([]Assignment, 0, len(p.order))
	for _, f := range p.order {
		out = append(out, copyAssignment(p.assignments[f]))
	}
	return out
}

// Direct returns enabled assignments that are launched directly.
func (p Plan) Direct() []Assignment {
	var out []Assignment
	for _, a := range p.Assignments() {
		if a.Enabled() && !a.TimeSliced {
			out = append(out, a)
		}
	}
	return out
}

// Groups returns the time-sliced device groups.
func (p Plan) Groups() []Group {
	out := make([]Group, len(p.groups))
	for i, g := range p.groups {
		out[i] = Group{Device: g.Device, Functions: append([]Function(nil), g.Functions...)}
	}
	return out
}

func (p Plan) Conflicts() []Conflict { return append([]Conflict(nil), p.conflicts...) }
func (p Plan) Fallbacks() []Fallback { return append([]Fallback(nil), p.fallbacks...) }

func copyAssignment(a Assignment) Assignment {
	if a.Device != nil {
		d := *a.Device
		a.Device = &d
	}
	return a
}

// Request is the operator's intent, produced by a Policy.
type Request struct {
	// Functions to enable, in preference order.
	Functions []Function `yaml:"functions"`
	// Choices maps a function to a device index or serial. Empty means "pick".
	Choices map[Function]string `yaml:"choices,omitempty"`
	// TimeSlice allows rotating functions that share a device.
	TimeSlice bool `yaml:"time_slice"`
	// AllowShare lets explicit choices put several functions on one device
	// when more than one device exists.
	AllowShare bool `yaml:"allow_share"`
	// Order is the rotation order inside a time-sliced group.
	Order []Function `yaml:"order,omitempty"`
	// SliceADSB lets ADS-B rotate with the datalink functions.
	SliceADSB bool `yaml:"slice_adsb,omitempty"`
}

// Policy produces a Request for the enumerated devices.
type Policy interface {
	Request(devices []Device) (Request, error)
}

// StaticPolicy returns a fixed request.
type StaticPolicy Request

func (s StaticPolicy) Request([]Device) (Request, error) { return Request(s), nil }

// CommandData is the data available to command templates.
type CommandData struct {
	Function Function
	Index    int
	Serial   string
	Output   string
}

// Allocator turns devices plus a policy into a Plan.
type Allocator struct {
	// Templates holds the launch command template of every configured function.
	Templates map[Function]string
	// Outputs holds the streaming output path of every function, exposed to templates as .Output.
	Outputs map[Function]string
	Logger  *slog.Logger
}

// Plan validates the policy's request against devices and derives commands.
func (a *Allocator) Plan(devices []Device, policy Policy) (Plan, error) {
	if len(devices) == 0 {
		return Plan{}, ErrNoDeviceFound
	}
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}
	req, err := policy.Request(devices)
	if err != nil {
		return Plan{}, err
	}

	enabled := make(map[Function]bool)
	var wanted []Function
	for _, f := range req.Functions {
		if !f.Valid() {
			return Plan{}, fmt.Errorf("unknown function %q", f)
		}
		if !enabled[f] {
			enabled[f] = true
			wanted = append(wanted, f)
		}
	}

	p := Plan{assignments: make(map[Function]Assignment)}
	for _, f := range Functions {
		if _, configured := a.Templates[f]; configured || enabled[f] {
			p.order = append(p.order, f)
		}
	}

	// resolve explicit choices first so defaults avoid the devices they claim
	resolved := make(map[Function]Device)
	explicit := make(map[Function]bool)
	used := make(map[int]bool)
	for _, f := range wanted {
		in := strings.TrimSpace(req.Choices[f])
		if in == "" {
			continue
		}
		d, ok := lookup(devices, in)
		if !ok {
			d = devices[0]
			p.fallbacks = append(p.fallbacks, Fallback{Function: f, Input: in, Device: d})
			log.Warn("invalid device choice, falling back to first device", "function", f, "input", in, "device", d.ID())
		}
		resolved[f] = d
		explicit[f] = true
		used[d.Index] = true
	}
	for _, f := range wanted {
		if _, ok := resolved[f]; ok {
			continue
		}
		d := devices[len(devices)-1]
		for _, cand := range devices {
			if !used[cand.Index] {
				d = cand
				break
			}
		}
		resolved[f] = d
		used[d.Index] = true
	}

	sliced := make(map[Function]bool)
	for _, g := range groupByDevice(wanted, resolved, req.Order) {
		if len(g.Functions) < 2 {
			continue
		}
		// with several devices ADS-B keeps its own receiver unless asked to rotate
		if len(devices) > 1 && !req.SliceADSB && containsFunction(g.Functions, ADSB) {
			rest := removeFunction(g.Functions, ADSB)
			c := Conflict{Device: g.Device, Functions: append([]Function{ADSB}, rest...)}
			p.conflicts = append(p.conflicts, c)
			log.Warn("device conflict", "error", c.Error())
			g.Functions = rest
			if len(rest) < 2 {
				continue
			}
		}
		anyExplicit := false
		for _, f := range g.Functions {
			anyExplicit = anyExplicit || explicit[f]
		}
		shareOK := len(devices) == 1 || req.AllowShare || !anyExplicit
		if req.TimeSlice && shareOK {
			p.groups = append(p.groups, g)
			for _, f := range g.Functions {
				sliced[f] = true
			}
			continue
		}
		c := Conflict{Device: g.Device, Functions: g.Functions}
		p.conflicts = append(p.conflicts, c)
		log.Warn("device conflict", "error", c.Error())
	}

	for _, f := range p.order {
		as := Assignment{Function: f}
		if d, ok := resolved[f]; ok {
			dev := d
			as.Device = &dev
			as.TimeSliced = sliced[f]
			cmd, err := a.Render(f, dev)
			if err != nil {
				return Plan{}, err
			}
			as.Command = cmd
		}
		p.assignments[f] = as
	}
	return p, nil
}

// Render expands the command template of f for device d.
func (a *Allocator) Render(f Function, d Device) (string, error) {
	src := a.Templates[f]
	if strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("no command configured for enabled function %s", f)
	}
	t, err := template.New(string(f)).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("command template for %s: %w", f, err)
	}
	var b bytes.Buffer
	data := CommandData{Function: f, Index: d.Index, Serial: d.Serial, Output: a.Outputs[f]}
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("command template for %s: %w", f, err)
	}
	return strings.TrimSpace(b.String()), nil
}

func containsFunction(fs []Function, f Function) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

func removeFunction(fs []Function, f Function) []Function {
	out := make([]Function, 0, len(fs))
	for _, x := range fs {
		if x != f {
			out = append(out, x)
		}
	}
	return out
}

// lookup matches in against serials first, then device indexes. Stock serials
// are numeric ("00000001"), so an exact serial always wins over an index.
func lookup(devices []Device, in string) (Device, bool) {
	for _, d := range devices {
		if d.Serial != "" && d.Serial == in {
			return d, true
		}
	}
	if idx, err := strconv.Atoi(in); err == nil {
		for _, d := range devices {
			if d.Index == idx {
				return d, true
			}
		}
	}
	return Device{}, false
}

// groupByDevice groups functions by device, ordering members by order and then
// by their position in wanted. Groups come out in device index order.
func groupByDevice(wanted []Function, resolved map[Function]Device, order []Function) []Group {
	rank := make(map[Function]int)
	for i, f := range order {
		if _, ok := rank[f]; !ok {
			rank[f] = i
		}
	}
	pos := make(map[Function]int)
	for i, f := range wanted {
		pos[f] = i
	}
	byIdx := make(map[int]*Group)
	var idxs []int
	for _, f := range wanted {
		d := resolved[f]
		g, ok := byIdx[d.Index]
		if !ok {
			g = &Group{Device: d}
			byIdx[d.Index] = g
			idxs = append(idxs, d.Index)
		}
		g.Functions = append(g.Functions, f)
	}
	sort.Ints(idxs)
	out := make([]Group, 0, len(idxs))
	for _, i := range idxs {
		g := byIdx[i]
		sort.SliceStable(g.Functions, func(a, b int) bool {
			fa, fb := g.Functions[a], g.Functions[b]
			ra, oka := rank[fa]
			rb, okb := rank[fb]
			switch {
			case oka && okb:
				return ra < rb
			case oka != okb:
				return oka
			}
			return pos[fa] < pos[fb]
		})
		out = append(out, *g)
	}
	return out
}
