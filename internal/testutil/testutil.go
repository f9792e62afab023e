// Package testutil builds the fake install tool and fake managed application
// used by subprocess tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	buildMu  sync.Mutex
	buildDir string
	built    = map[string]string{}
)

// sourceDir returns the directory holding the fake program sources.
func sourceDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// BuildFake compiles testdata/<name>.go once per test binary and returns the
// executable path.
func BuildFake(t testing.TB, name string) string {
	t.Helper()
	buildMu.Lock()
	defer buildMu.Unlock()
	if p, ok := built[name]; ok {
		return p
	}
	if buildDir == "" {
		d, err := os.MkdirTemp("", "autovisor-fakes-*")
		if err != nil {
			t.Fatalf("temp dir: %v", err)
		}
		buildDir = d
	}
	bin := filepath.Join(buildDir, name)
	cmd := exec.Command("go", "build", "-o", bin, filepath.Join(sourceDir(), name+".go"))
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s: %v: %s", name, err, string(out))
	}
	built[name] = bin
	return bin
}

// InstallFake copies a built fake into binDir under the given name.
func InstallFake(t testing.TB, fake, binDir, as string) string {
	t.Helper()
	src := BuildFake(t, fake)
	b, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read fake: %v", err)
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dst := filepath.Join(binDir, as)
	if err := os.WriteFile(dst, b, 0o755); err != nil {
		t.Fatalf("write fake: %v", err)
	}
	return dst
}
