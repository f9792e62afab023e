package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	version "github.com/hashicorp/go-version"
)

const galacteekDoc = `{
  "info": {"name": "galacteek", "version": "2.0.0"},
  "releases": {
    "1.0.0": [{"url": "http://files/galacteek-1.0.0.tar.gz", "packagetype": "sdist"}],
    "2.0.0": [
      {"url": "http://files/galacteek-2.0.0.tar.gz", "packagetype": "sdist"},
      {"url": "http://files/galacteek-2.0.0-py3-none-any.whl", "packagetype": "bdist_wheel", "size": 1000},
      {"url": "http://files/galacteek-2.0.0-cp37-linux.whl", "packagetype": "bdist_wheel"}
    ]
  }
}`

func newIndex(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func docHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/pypi/galacteek/json" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(galacteekDoc))
}

type fixedInstalled struct{ v *version.Version }

func (f fixedInstalled) QueryInstalledVersion(context.Context, string) (*version.Version, error) {
	return f.v, nil
}

func mustVersion(t *testing.T, s string) *version.Version {
	t.Helper()
	v, err := version.NewVersion(s)
	if err != nil {
		t.Fatalf("version %q: %v", s, err)
	}
	return v
}

func TestMetadata_DecodesDocument(t *testing.T) {
	srv, _ := newIndex(t, docHandler)
	r := New(Config{IndexURL: srv.URL + "/pypi/", CacheSize: 8, CacheTTL: time.Minute})
	meta, err := r.Metadata(context.Background(), "galacteek")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Name() != "galacteek" || meta.LatestVersion() != "2.0.0" {
		t.Fatalf("unexpected info: %+v", meta.Info)
	}
	if len(meta.Releases["2.0.0"]) != 3 {
		t.Fatalf("releases: %+v", meta.Releases)
	}
}

func TestMetadata_NotFoundIsError(t *testing.T) {
	srv, _ := newIndex(t, docHandler)
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: time.Minute})
	_, err := r.Metadata(context.Background(), "nope")
	if !IsMetadataFetch(err) {
		t.Fatalf("expected MetadataFetchError, got %v", err)
	}
	var mfe *MetadataFetchError
	if !errors.As(err, &mfe) || mfe.StatusCode != http.StatusNotFound || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected 404 status, got %+v", mfe)
	}
}

func TestMetadata_ServerErrorAndBadBody(t *testing.T) {
	srv, _ := newIndex(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/broken/"):
			_, _ = w.Write([]byte("{not json"))
		case strings.Contains(r.URL.Path, "/noversion/"):
			_, _ = w.Write([]byte(`{"info":{"name":"noversion"},"releases":{}}`))
		default:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	})
	r := New(Config{IndexURL: srv.URL, CacheSize: 8, CacheTTL: time.Minute})
	for _, pkg := range []string{"down", "broken", "noversion"} {
		if _, err := r.Metadata(context.Background(), pkg); !IsMetadataFetch(err) {
			t.Fatalf("%s: expected MetadataFetchError, got %v", pkg, err)
		}
	}
}

func TestMetadata_TransportError(t *testing.T) {
	srv, _ := newIndex(t, docHandler)
	u := srv.URL
	srv.Close()
	r := New(Config{IndexURL: u, CacheSize: 8, CacheTTL: time.Minute})
	if _, err := r.Metadata(context.Background(), "galacteek"); !IsMetadataFetch(err) {
		t.Fatalf("expected MetadataFetchError, got %v", err)
	}
}

func TestMetadata_CachedWithinTTL(t *testing.T) {
	srv, hits := newIndex(t, docHandler)
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: time.Minute})
	for i := 0; i < 3; i++ {
		if _, err := r.LatestVersion(context.Background(), "galacteek"); err != nil {
			t.Fatalf("LatestVersion: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one network call, got %d", hits.Load())
	}
}

func TestLatestVersion_ZeroTTLSeesNewRelease(t *testing.T) {
	var calls atomic.Int32
	srv, hits := newIndex(t, func(w http.ResponseWriter, r *http.Request) {
		v := "1.0.0"
		if calls.Add(1) > 1 {
			v = "2.0.0"
		}
		_, _ = w.Write([]byte(`{"info": {"name": "galacteek", "version": "` + v + `"}, "releases": {}}`))
	})
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: 0})
	var got []string
	for i := 0; i < 3; i++ {
		v, err := r.LatestVersion(context.Background(), "galacteek")
		if err != nil {
			t.Fatalf("LatestVersion: %v", err)
		}
		got = append(got, v.String())
	}
	if strings.Join(got, ",") != "1.0.0,2.0.0,2.0.0" {
		t.Fatalf("latest versions: %v", got)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 index requests, got %d", hits.Load())
	}
}

func TestMetadata_ConcurrentSingleFlight(t *testing.T) {
	release := make(chan struct{})
	srv, hits := newIndex(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		docHandler(w, r)
	})
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Metadata(context.Background(), "galacteek"); err != nil {
				t.Errorf("Metadata: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if hits.Load() != 1 {
		t.Fatalf("expected exactly one network call, got %d", hits.Load())
	}
}

func TestLatestAndInstalled(t *testing.T) {
	srv, _ := newIndex(t, docHandler)
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: time.Minute, Installed: fixedInstalled{mustVersion(t, "1.0.0")}})
	latest, err := r.LatestVersion(context.Background(), "galacteek")
	if err != nil || latest == nil || latest.String() != "2.0.0" {
		t.Fatalf("latest=%v err=%v", latest, err)
	}
	if got, err := r.InstalledVersion(context.Background(), "galacteek"); err != nil || got == nil || got.String() != "1.0.0" {
		t.Fatalf("installed=%v err=%v", got, err)
	}
	if got, err := New(Config{}).InstalledVersion(context.Background(), "x"); got != nil || err != nil {
		t.Fatalf("expected nil without querier, got %v %v", got, err)
	}
}

func TestParseVersion(t *testing.T) {
	if ParseVersion("") != nil || ParseVersion("not-a-version") != nil {
		t.Fatalf("invalid input must parse to nil")
	}
	if v := ParseVersion(" 1.2.3 "); v == nil || v.String() != "1.2.3" {
		t.Fatalf("got %v", v)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	v := func(s string) *version.Version { return mustVersion(t, s) }
	cases := []struct {
		latest, installed *version.Version
		want              bool
	}{
		{v("2.0.0"), nil, true},
		{nil, nil, true},
		{v("0.0.1"), nil, true},
		{v("2.0.0"), v("1.0.0"), true},
		{v("1.10.0"), v("1.9.0"), true},
		{v("1.0.0"), v("1.0.0"), false},
		{v("1.0"), v("1.0.0"), false},
		{v("0.9.0"), v("1.0.0"), false},
		{nil, v("1.0.0"), false},
	}
	for i, c := range cases {
		if got := NeedsUpgrade(c.latest, c.installed); got != c.want {
			t.Fatalf("case %d: NeedsUpgrade(%v,%v)=%v want %v", i, c.latest, c.installed, got, c.want)
		}
	}
}

func TestSelectArtifact(t *testing.T) {
	srv, _ := newIndex(t, docHandler)
	r := New(Config{IndexURL: srv.URL + "/pypi", CacheSize: 8, CacheTTL: time.Minute})
	meta, err := r.Metadata(context.Background(), "galacteek")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	a, ok := SelectArtifact(meta, mustVersion(t, "2.0.0"))
	if !ok || a.URL != "http://files/galacteek-2.0.0-py3-none-any.whl" {
		t.Fatalf("expected first wheel, got %+v ok=%v", a, ok)
	}
	if _, ok := SelectArtifact(meta, mustVersion(t, "1.0.0")); ok {
		t.Fatalf("sdist-only release must have no candidate")
	}
	if _, ok := SelectArtifact(meta, mustVersion(t, "3.0.0")); ok {
		t.Fatalf("unknown release must have no candidate")
	}
	if _, ok := SelectArtifact(meta, nil); ok {
		t.Fatalf("nil version must have no candidate")
	}
}
