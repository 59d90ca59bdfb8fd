// Package env composes the environment handed to supervised child processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers global variables from the config over a base environment.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached OS environment
}

// New builds an Env from "K=V" entries. Malformed entries are skipped.
func New(global []string) *Env {
	e := &Env{Var: make(Var)}
	for k, v := range parse(global) {
		e.Var[k] = v
	}
	return e
}

// WithBase replaces the OS environment base, mostly for tests.
func (e *Env) WithBase(kvs []string) *Env {
	e.base = parse(kvs)
	return e
}

// Merge composes base, then global vars, then perService entries, and expands
// $VAR / ${VAR} references against the composed map (one pass, no recursion).
// The result is sorted by key.
func (e *Env) Merge(perService []string) []string {
	if e.base == nil {
		e.base = parse(os.Environ())
	}
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range parse(perService) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
