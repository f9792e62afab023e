package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"autovisor/internal/app"
	"autovisor/internal/config"
	"autovisor/internal/testutil"
	"autovisor/internal/venv"
)

const pkgName = "galacteek"

// index is a fake package registry serving one JSON document and its wheel.
type index struct {
	srv          *httptest.Server
	latest       string
	metaRequests atomic.Int32
	fileRequests atomic.Int32
}

func newIndex(t *testing.T, latest string) *index {
	t.Helper()
	ix := &index{latest: latest}
	wheel := fmt.Sprintf("%s-%s-py3-none-any.whl", pkgName, latest)
	body := strings.Repeat("z", 1000)
	mux := http.NewServeMux()
	mux.HandleFunc("/pypi/"+pkgName+"/json", func(w http.ResponseWriter, r *http.Request) {
		ix.metaRequests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
  "info": {"name": %q, "version": %q},
  "releases": {
    %q: [
      {"url": "%s/files/%s-%s.tar.gz", "filename": "%s-%s.tar.gz", "packagetype": "sdist", "size": 10},
      {"url": "%s/files/%s", "filename": %q, "packagetype": "bdist_wheel", "size": 1000}
    ]
  }
}`, pkgName, latest, latest,
			ix.srv.URL, pkgName, latest, pkgName, latest,
			ix.srv.URL, wheel, wheel)
	})
	mux.HandleFunc("/files/"+wheel, func(w http.ResponseWriter, r *http.Request) {
		ix.fileRequests.Add(1)
		w.Header().Set("Content-Length", "1000")
		_, _ = io.WriteString(w, body)
	})
	ix.srv = httptest.NewServer(mux)
	t.Cleanup(ix.srv.Close)
	return ix
}

// newApp wires a full supervisor against ix with the fake pip and fake
// application installed in the runtime. The returned path is the fake pip's
// installed-version file.
func newApp(t *testing.T, ix *index) (*app.App, string) {
	t.Helper()
	root := t.TempDir()
	env, err := venv.New(root, config.DefaultVenvName)
	if err != nil {
		t.Fatalf("venv: %v", err)
	}
	testutil.InstallFake(t, "fake_pip", env.BinDir(), "pip")
	testutil.InstallFake(t, "fake_app", env.BinDir(), pkgName)
	pipState := filepath.Join(t.TempDir(), "installed")
	t.Setenv("FAKE_PIP_STATE", pipState)
	t.Setenv("FAKE_PIP_MODE", "")

	cfg := config.Config{
		Package:   pkgName,
		Root:      root,
		IndexURL:  ix.srv.URL + "/pypi/",
		ChunkSize: 500,
	}
	a, err := app.New(cfg, zerolog.Nop(), "test")
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { _ = a.Supervisor.StopAll(context.Background()) })
	return a, pipState
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
