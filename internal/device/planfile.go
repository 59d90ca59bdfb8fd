package device

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PlanFileVersion is written to every plan file.
const PlanFileVersion = 1

// PlanFile is the persisted output of the setup step.
type PlanFile struct {
	Version int `yaml:"version"`
	Request `yaml:",inline"`
	// Devices is the enumeration seen at setup time, kept for reference only.
	Devices []Device `yaml:"devices,omitempty"`
}

// SavePlan writes req as YAML to path atomically.
func SavePlan(path string, req Request, devices []Device) error {
	b, err := yaml.Marshal(PlanFile{Version: PlanFileVersion, Request: req, Devices: devices})
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// LoadPlan reads a plan file written by SavePlan.
func LoadPlan(path string) (Request, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Request{}, err
	}
	var pf PlanFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return Request{}, fmt.Errorf("decode plan %s: %w", path, err)
	}
	if pf.Version > PlanFileVersion {
		return Request{}, fmt.Errorf("plan %s: unsupported version %d", path, pf.Version)
	}
	for _, f := range pf.Functions {
		if !f.Valid() {
			return Request{}, fmt.Errorf("plan %s: unknown function %q", path, f)
		}
	}
	for f := range pf.Choices {
		if !f.Valid() {
			return Request{}, fmt.Errorf("plan %s: unknown function %q", path, f)
		}
	}
	return pf.Request, nil
}
