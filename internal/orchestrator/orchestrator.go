// Package orchestrator runs the update cycle: resolve the latest release,
// compare it with the installed one, download and install when newer, then
// make sure one instance is running.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"autovisor/internal/download"
	"autovisor/internal/notify"
	"autovisor/internal/registry"
	"autovisor/internal/state"
	"autovisor/internal/supervisor"
	"autovisor/pkg/types"
)

// DefaultInterval separates the end of one cycle from the start of the next.
const DefaultInterval = 60 * time.Second

// Outcome summarizes what a cycle did about upgrading.
type Outcome string

const (
	OutcomeUpToDate      Outcome = "up_to_date"
	OutcomeUpgraded      Outcome = "upgraded"
	OutcomeNoCandidate   Outcome = "no_candidate"
	OutcomeMetadataError Outcome = "metadata_error"
	OutcomeDownloadError Outcome = "download_error"
	OutcomeInstallError  Outcome = "install_error"
)

// VersionSource answers version questions for the managed package.
type VersionSource interface {
	Metadata(ctx context.Context, pkg string) (registry.PackageMetadata, error)
	LatestVersion(ctx context.Context, pkg string) (*version.Version, error)
	InstalledVersion(ctx context.Context, pkg string) (*version.Version, error)
}

// Fetcher downloads an artifact to a local path.
type Fetcher interface {
	FetchVerified(ctx context.Context, url, sha256Hex string, onProgress func(download.Progress)) (string, error)
}

// Installer installs a local artifact.
type Installer interface {
	InstallArtifact(ctx context.Context, path string, sink notify.Sink) (bool, error)
}

// Instances is the supervisor surface the cycle needs.
type Instances interface {
	CountLive(ctx context.Context) int
	Spawn(ctx context.Context) (*supervisor.Instance, error)
	Snapshot() []types.InstanceStatus
}

// Config wires an Orchestrator.
type Config struct {
	Package      string
	Interval     time.Duration
	VerifyDigest bool

	Versions   VersionSource
	Downloader Fetcher
	Installer  Installer
	Instances  Instances
	// State is optional; without it nothing is persisted.
	State *state.Store
	Sink  notify.Sink
	Log   zerolog.Logger
}

// CycleResult reports one completed cycle.
type CycleResult struct {
	Seq       int
	Latest    *version.Version
	Installed *version.Version
	Outcome   Outcome
	// Err is the failure behind an *_error outcome.
	Err error
	// Spawned is the instance launched by ensure-instance, if any.
	Spawned  *supervisor.Instance
	SpawnErr error
	Duration time.Duration
}

// Orchestrator runs cycles one at a time. Status may be read concurrently.
type Orchestrator struct {
	cfg  Config
	sink notify.Sink
	log  zerolog.Logger

	// cycleMu keeps installs from being pipelined if Cycle is called directly.
	cycleMu sync.Mutex

	mu        sync.RWMutex
	seq       int
	upgrading bool
	release   string
	last      *types.CycleStatus
}

// New builds an Orchestrator and seeds the last installed release from the
// persisted status record.
func New(cfg Config) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	o := &Orchestrator{cfg: cfg, sink: notify.OrNop(cfg.Sink), log: cfg.Log}
	if cfg.State != nil {
		rec := cfg.State.Load(cfg.Package)
		o.release = rec.Release(cfg.Package)
		if o.release != "" {
			o.log.Info().Str("package", cfg.Package).Str("release", o.release).Msg("last installed release")
		}
	}
	return o
}

// Run repeats Cycle, waiting the configured interval between cycles, until ctx
// is cancelled. A cycle in progress is never interrupted: it runs with a
// context that ignores the cancellation and the loop exits afterwards.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().Str("package", o.cfg.Package).Dur("interval", o.cfg.Interval).Msg("update loop started")
	for {
		if ctx.Err() != nil {
			break
		}
		o.Cycle(context.WithoutCancel(ctx))
		timer := time.NewTimer(o.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
	o.log.Info().Msg("update loop stopped")
	return nil
}

// Cycle performs resolve-version, compare, fetch and install when needed,
// then ensure-instance. Failures abort only the upgrade part; ensure-instance
// always runs.
func (o *Orchestrator) Cycle(ctx context.Context) CycleResult {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	start := time.Now()
	o.mu.Lock()
	o.seq++
	res := CycleResult{Seq: o.seq}
	o.mu.Unlock()

	o.upgrade(ctx, &res)
	o.ensureInstance(ctx, &res)

	res.Duration = time.Since(start)
	o.finish(res)
	return res
}

func (o *Orchestrator) upgrade(ctx context.Context, res *CycleResult) {
	pkg := o.cfg.Package
	log := o.log.With().Int("cycle", res.Seq).Str("package", pkg).Logger()

	latest, err := o.cfg.Versions.LatestVersion(ctx, pkg)
	if err != nil {
		o.fail(res, OutcomeMetadataError, err, "no update available this cycle")
		return
	}
	res.Latest = latest
	installed, err := o.cfg.Versions.InstalledVersion(ctx, pkg)
	if err != nil {
		installed = registry.ParseVersion(o.recordedRelease())
		log.Warn().Err(err).Str("recorded", versionString(installed)).Msg("installed version query failed, using recorded release")
	}
	res.Installed = installed
	log.Debug().Str("latest", versionString(latest)).Str("installed", versionString(res.Installed)).Msg("compared versions")

	if !registry.NeedsUpgrade(latest, res.Installed) {
		res.Outcome = OutcomeUpToDate
		return
	}
	meta, err := o.cfg.Versions.Metadata(ctx, pkg)
	if err != nil {
		o.fail(res, OutcomeMetadataError, err, "no update available this cycle")
		return
	}
	art, ok := registry.SelectArtifact(meta, latest)
	if !ok {
		res.Outcome = OutcomeNoCandidate
		log.Warn().Str("latest", versionString(latest)).Msg("no installable artifact for release")
		o.sink.Status(notify.Notification{Category: notify.CategoryInfo, Message: fmt.Sprintf("No installable artifact for %s %s", pkg, versionString(latest))})
		return
	}

	o.setUpgrading(true)
	defer o.setUpgrading(false)
	o.sink.Status(notify.Notification{Category: notify.CategoryInfo, Message: fmt.Sprintf("Downloading %s", art.Filename)})

	digest := ""
	if o.cfg.VerifyDigest {
		digest = art.Digests.SHA256
	}
	last := -1
	path, err := o.cfg.Downloader.FetchVerified(ctx, art.URL, digest, func(p download.Progress) {
		if pct := notify.Percent(p.BytesRead, p.TotalBytes); pct != last {
			last = pct
			o.sink.Progress(pct)
		}
	})
	if err != nil {
		upgradesTotal.WithLabelValues("download_error").Inc()
		o.fail(res, OutcomeDownloadError, err, "download failed")
		return
	}
	defer func() {
		if rerr := os.RemoveAll(filepath.Dir(path)); rerr != nil {
			log.Debug().Err(rerr).Msg("remove download dir")
		}
	}()

	if _, err := o.cfg.Installer.InstallArtifact(ctx, path, o.sink); err != nil {
		upgradesTotal.WithLabelValues("install_error").Inc()
		o.fail(res, OutcomeInstallError, err, "install failed")
		return
	}
	upgradesTotal.WithLabelValues("ok").Inc()
	res.Outcome = OutcomeUpgraded
	release := latest.Original()
	log.Info().Str("release", release).Msg("upgrade installed")
	o.mu.Lock()
	o.release = release
	o.mu.Unlock()
	if o.cfg.State != nil {
		if err := o.cfg.State.MarkInstalled(pkg, release, time.Now()); err != nil {
			log.Warn().Err(err).Msg("could not persist status")
		}
	}
}

func (o *Orchestrator) ensureInstance(ctx context.Context, res *CycleResult) {
	n := o.cfg.Instances.CountLive(ctx)
	liveInstances.Set(float64(n))
	if n > 0 {
		return
	}
	inst, err := o.cfg.Instances.Spawn(ctx)
	if err != nil {
		res.SpawnErr = err
		o.log.Error().Err(err).Int("cycle", res.Seq).Msg("spawn failed")
		o.sink.Status(notify.Notification{Category: notify.CategoryError, Message: "Could not start application: " + err.Error()})
		return
	}
	res.Spawned = inst
	liveInstances.Set(1)
}

// fail records a failed upgrade step. None of these errors stop the loop.
func (o *Orchestrator) fail(res *CycleResult, outcome Outcome, err error, msg string) {
	res.Outcome = outcome
	res.Err = err
	o.log.Warn().Err(err).Int("cycle", res.Seq).Str("outcome", string(outcome)).Msg(msg)
	o.sink.Status(notify.Notification{Category: notify.CategoryError, Message: msg + ": " + err.Error()})
}

func (o *Orchestrator) finish(res CycleResult) {
	now := time.Now()
	cs := &types.CycleStatus{
		Seq:        res.Seq,
		FinishedAt: now.Unix(),
		Latest:     versionString(res.Latest),
		Installed:  versionString(res.Installed),
		Outcome:    string(res.Outcome),
	}
	if res.Err != nil {
		cs.Error = res.Err.Error()
	}
	if res.Spawned != nil {
		cs.Spawned = res.Spawned.PID
	}
	o.mu.Lock()
	o.last = cs
	o.mu.Unlock()
	cyclesTotal.WithLabelValues(string(res.Outcome)).Inc()
	cycleDuration.Observe(res.Duration.Seconds())
	lastCycleTimestamp.Set(float64(now.Unix()))
	o.log.Debug().Int("cycle", res.Seq).Str("outcome", string(res.Outcome)).Dur("took", res.Duration).Msg("cycle finished")
}

func (o *Orchestrator) setUpgrading(v bool) {
	o.mu.Lock()
	o.upgrading = v
	o.mu.Unlock()
}

func (o *Orchestrator) recordedRelease() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.release
}

// Status returns a snapshot for the status API.
func (o *Orchestrator) Status() types.StatusResponse {
	o.mu.RLock()
	resp := types.StatusResponse{
		Package:                o.cfg.Package,
		LatestInstalledRelease: o.release,
		Upgrading:              o.upgrading,
	}
	if o.last != nil {
		c := *o.last
		resp.LastCycle = &c
		resp.Cycles = c.Seq
	}
	o.mu.RUnlock()
	resp.Instances = o.cfg.Instances.Snapshot()
	if resp.Instances == nil {
		resp.Instances = []types.InstanceStatus{}
	}
	return resp
}

// Ready reports whether at least one cycle has completed.
func (o *Orchestrator) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last != nil
}

func versionString(v *version.Version) string {
	if v == nil {
		return ""
	}
	return v.Original()
}
