// Package venv describes the isolated runtime the managed application is
// installed into and builds the environment its subprocesses run with.
package venv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autovisor/internal/common/fsutil"
)

// systemPath is appended after the runtime's bin directory.
const systemPath = "/bin:/usr/bin:/sbin"

// Env is one isolated runtime at {Root}/venvs/{Name}.
type Env struct {
	Root string
	Name string
}

// New expands a leading '~' in root and returns the absolute layout.
func New(root, name string) (Env, error) {
	r, err := fsutil.ExpandHome(root)
	if err != nil {
		return Env{}, err
	}
	abs, err := filepath.Abs(r)
	if err != nil {
		return Env{}, fmt.Errorf("abs path: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		return Env{}, fmt.Errorf("empty runtime name")
	}
	return Env{Root: abs, Name: name}, nil
}

// Dir is the runtime directory.
func (e Env) Dir() string { return filepath.Join(e.Root, "venvs", e.Name) }

// BinDir is the runtime's executable directory.
func (e Env) BinDir() string { return filepath.Join(e.Dir(), "bin") }

// StatusPath is the persisted status record location.
func (e Env) StatusPath() string { return filepath.Join(e.Root, "install.json") }

// EnsureLayout creates the root and runtime directories. Failure here is fatal
// for the supervisor.
func (e Env) EnsureLayout() error {
	if err := os.MkdirAll(e.Dir(), 0o755); err != nil {
		return fmt.Errorf("create runtime dir %s: %w", e.Dir(), err)
	}
	return nil
}

// Tool resolves name inside the runtime's bin directory, falling back to the
// bare name (looked up on PATH at exec time) when the runtime has none.
func (e Env) Tool(name string) string {
	p := filepath.Join(e.BinDir(), name)
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return p
	}
	return name
}

// Environ copies the current process environment, points VIRTUAL_ENV at the
// runtime, puts its bin directory first on PATH and drops PYTHONPATH.
func (e Env) Environ() []string {
	return e.environFrom(os.Environ())
}

func (e Env) environFrom(base []string) []string {
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		switch k {
		case "PYTHONPATH", "PATH", "VIRTUAL_ENV":
			continue
		}
		out = append(out, kv)
	}
	out = append(out,
		"VIRTUAL_ENV="+e.Dir(),
		"PATH="+e.BinDir()+string(os.PathListSeparator)+systemPath,
	)
	return out
}
