// Package env composes the environment handed to workers and the
// migration tool: OS environment as an optional base, then .env files in
// order, then explicit overrides, with simple ${VAR} expansion over the
// final map.
package env

import (
	"os"
	"path/filepath"
	"strings"
)

type Var map[string]string

type Env struct {
	vars Var // accumulated K->V in precedence order
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromOS layers the current process environment under anything set later.
func (e *Env) FromOS() {
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] != "" {
			e.vars[kv[:i]] = kv[i+1:]
		}
	}
}

// FromFile layers a .env file: KEY=VALUE lines, # comments, no quoting.
func (e *Env) FromFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			if k == "" {
				continue
			}
			e.vars[k] = strings.TrimSpace(line[i+1:])
		}
	}
	return nil
}

// Set applies one K=V override.
func (e *Env) Set(k, v string) {
	if k != "" {
		e.vars[k] = v
	}
}

// SetKV applies a "K=V" string; malformed entries are skipped.
func (e *Env) SetKV(kv string) {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		e.Set(kv[:i], kv[i+1:])
	}
}

// Merge returns the composed environment in "K=V" form with ${VAR}
// expansion performed using the composed map (simple expansion, no
// recursion).
func (e *Env) Merge() []string {
	expanded := make(Var, len(e.vars))
	for k, v := range e.vars {
		expanded[k] = expand(v, e.vars)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
