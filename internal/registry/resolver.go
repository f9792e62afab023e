// Package registry resolves package metadata and versions from a PyPI-style
// JSON index.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"autovisor/internal/cache"
)

// maxDocumentBytes bounds the metadata document size.
const maxDocumentBytes = 32 << 20

const userAgent = "autovisor/%s"

// InstalledQuerier reports the installed version of a package, nil when absent.
// An error means the answer is unknown.
type InstalledQuerier interface {
	QueryInstalledVersion(ctx context.Context, pkg string) (*version.Version, error)
}

// Config configures a Resolver.
type Config struct {
	IndexURL   string // e.g. https://pypi.org/pypi
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Installed  InstalledQuerier
	Version    string // reported in User-Agent
	Log        zerolog.Logger
}

// Resolver answers latest and installed version questions for packages.
type Resolver struct {
	indexURL  string
	client    *http.Client
	cache     *cache.Store[PackageMetadata]
	installed InstalledQuerier
	agent     string
	log       zerolog.Logger
}

func New(cfg Config) *Resolver {
	cli := cfg.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}
	v := cfg.Version
	if v == "" {
		v = "dev"
	}
	return &Resolver{
		indexURL:  strings.TrimRight(cfg.IndexURL, "/"),
		client:    cli,
		cache:     cache.New[PackageMetadata]("metadata", cfg.CacheSize, cfg.CacheTTL),
		installed: cfg.Installed,
		agent:     fmt.Sprintf(userAgent, v),
		log:       cfg.Log,
	}
}

// MetadataURL returns the registry document URL for pkg.
func (r *Resolver) MetadataURL(pkg string) string {
	return r.indexURL + "/" + url.PathEscape(pkg) + "/json"
}

// Metadata returns the package document, served from cache within the TTL.
func (r *Resolver) Metadata(ctx context.Context, pkg string) (PackageMetadata, error) {
	return r.cache.Get(ctx, cache.Key("metadata", pkg), func(ctx context.Context) (PackageMetadata, error) {
		return r.fetch(ctx, pkg)
	})
}

func (r *Resolver) fetch(ctx context.Context, pkg string) (PackageMetadata, error) {
	u := r.MetadataURL(pkg)
	r.log.Debug().Str("url", u).Msg("fetching package metadata")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", r.agent)
	resp, err := r.client.Do(req)
	if err != nil {
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Msg("error closing response body")
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, StatusCode: resp.StatusCode, Err: ErrNotFound}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(b)))}
	}
	var meta PackageMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&meta); err != nil {
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, Err: fmt.Errorf("decode: %w", err)}
	}
	if strings.TrimSpace(meta.Info.Version) == "" {
		return PackageMetadata{}, &MetadataFetchError{Package: pkg, Err: errors.New("missing info.version")}
	}
	if meta.Releases == nil {
		meta.Releases = map[string][]Artifact{}
	}
	return meta, nil
}

// LatestVersion returns the parsed latest version. An unparsable version
// yields nil without error.
func (r *Resolver) LatestVersion(ctx context.Context, pkg string) (*version.Version, error) {
	meta, err := r.Metadata(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return ParseVersion(meta.LatestVersion()), nil
}

// InstalledVersion returns the installed version, nil when not installed or
// when no querier is configured. The error reports a querier that could not
// answer.
func (r *Resolver) InstalledVersion(ctx context.Context, pkg string) (*version.Version, error) {
	if r.installed == nil {
		return nil, nil
	}
	return r.installed.QueryInstalledVersion(ctx, pkg)
}

// ParseVersion parses s, returning nil for empty or invalid input.
func ParseVersion(s string) *version.Version {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil
	}
	return v
}

// NeedsUpgrade reports whether latest should replace installed: always when
// nothing is installed, otherwise only for a strictly greater latest.
func NeedsUpgrade(latest, installed *version.Version) bool {
	if installed == nil {
		return true
	}
	if latest == nil {
		return false
	}
	return latest.GreaterThan(installed)
}

// Release returns the artifacts of release v, matching the registry key as
// written or in canonical form.
func Release(meta PackageMetadata, v *version.Version) ([]Artifact, bool) {
	if v == nil {
		return nil, false
	}
	if arts, ok := meta.Releases[v.Original()]; ok {
		return arts, true
	}
	arts, ok := meta.Releases[v.String()]
	return arts, ok
}

// SelectArtifact returns the first wheel of release v. Yanked files are skipped.
func SelectArtifact(meta PackageMetadata, v *version.Version) (Artifact, bool) {
	arts, ok := Release(meta, v)
	if !ok {
		return Artifact{}, false
	}
	for _, a := range arts {
		if !a.IsWheel() || a.Yanked {
			continue
		}
		return a, true
	}
	return Artifact{}, false
}
