// Package app assembles the supervisor from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	version "github.com/hashicorp/go-version"
	"github.com/rs/zerolog"

	"autovisor/internal/config"
	"autovisor/internal/download"
	"autovisor/internal/httpapi"
	"autovisor/internal/installer"
	"autovisor/internal/notify"
	"autovisor/internal/orchestrator"
	"autovisor/internal/registry"
	"autovisor/internal/state"
	"autovisor/internal/supervisor"
	"autovisor/internal/venv"
	"autovisor/pkg/types"
)

// eventBuffer is the number of recent events kept for GET /events.
const eventBuffer = 512

// shutdownTimeout bounds HTTP server shutdown and instance stop on exit.
const shutdownTimeout = 10 * time.Second

// App holds the wired components.
type App struct {
	Config config.Config
	Env    venv.Env
	Log    zerolog.Logger

	Events       *notify.RingSink
	Store        *state.Store
	Runner       *installer.Runner
	Resolver     *registry.Resolver
	Downloader   *download.Downloader
	Supervisor   *supervisor.Supervisor
	Orchestrator *orchestrator.Orchestrator
}

// New validates cfg, creates the runtime layout and wires every component.
// A layout failure is returned as an error and is fatal for the caller.
func New(cfg config.Config, log zerolog.Logger, buildVersion string) (*App, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	env, err := venv.New(cfg.Root, cfg.VenvName)
	if err != nil {
		return nil, err
	}
	if err := env.EnsureLayout(); err != nil {
		return nil, err
	}
	interval, cacheTTL, registryTimeout := cfg.Durations()

	events := notify.NewRingSink(eventBuffer)
	sink := notify.Multi{notify.LogSink{Log: log.With().Str("component", "notify").Logger()}, events}

	store := state.NewStore(env.StatusPath(), log.With().Str("component", "state").Logger())
	runner := installer.New(installer.Config{
		Env: env,
		Log: log.With().Str("component", "installer").Logger(),
	})
	resolver := registry.New(registry.Config{
		IndexURL:   cfg.IndexURL,
		CacheSize:  cfg.CacheSize,
		CacheTTL:   cacheTTL,
		HTTPClient: &http.Client{Timeout: registryTimeout},
		Installed:  runner,
		Version:    buildVersion,
		Log:        log.With().Str("component", "registry").Logger(),
	})
	dl := download.New(download.Config{
		ChunkSize: cfg.ChunkSize,
		Version:   buildVersion,
		Log:       log.With().Str("component", "download").Logger(),
	})
	sup := supervisor.New(supervisor.Config{
		Env:     env,
		Command: cfg.Command,
		Sink:    sink,
		Log:     log.With().Str("component", "supervisor").Logger(),
	})
	orch := orchestrator.New(orchestrator.Config{
		Package:      cfg.Package,
		Interval:     interval,
		VerifyDigest: cfg.VerifyDigest,
		Versions:     resolver,
		Downloader:   dl,
		Installer:    runner,
		Instances:    sup,
		State:        store,
		Sink:         sink,
		Log:          log.With().Str("component", "orchestrator").Logger(),
	})
	return &App{
		Config:       cfg,
		Env:          env,
		Log:          log,
		Events:       events,
		Store:        store,
		Runner:       runner,
		Resolver:     resolver,
		Downloader:   dl,
		Supervisor:   sup,
		Orchestrator: orch,
	}, nil
}

// Status implements httpapi.Service.
func (a *App) Status() types.StatusResponse { return a.Orchestrator.Status() }

// Ready implements httpapi.Service.
func (a *App) Ready() bool { return a.Orchestrator.Ready() }

// EventsSince implements httpapi.Service.
func (a *App) EventsSince(seq uint64) []types.Event { return a.Events.Since(seq) }

// Handler returns the status API for this app.
func (a *App) Handler() http.Handler {
	httpapi.SetLogger(a.Log.With().Str("component", "http").Logger())
	httpapi.SetCORSOptions(len(a.Config.CORSOrigins) > 0, a.Config.CORSOrigins)
	return httpapi.NewMux(a)
}

// Run serves the status API when an address is configured and runs the
// update loop until ctx is cancelled. With StopOnExit the instances are
// stopped before returning; otherwise they keep running.
func (a *App) Run(ctx context.Context) error {
	httpapi.SetBaseContext(ctx)
	var srv *http.Server
	srvErr := make(chan error, 1)
	if a.Config.Addr != "" {
		ln, err := net.Listen("tcp", a.Config.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", a.Config.Addr, err)
		}
		srv = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
		a.Log.Info().Str("addr", ln.Addr().String()).Msg("status API listening")
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
			close(srvErr)
		}()
	} else {
		close(srvErr)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err, ok := <-srvErr; ok && err != nil {
			a.Log.Error().Err(err).Msg("status API failed")
			cancel()
		}
	}()
	runErr := a.Orchestrator.Run(loopCtx)

	shutCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			a.Log.Warn().Err(err).Msg("graceful shutdown error")
		}
	}
	if a.Config.StopOnExit {
		if err := a.Supervisor.StopAll(shutCtx); err != nil {
			a.Log.Warn().Err(err).Msg("stopping instances")
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

// CheckReport is the result of a one-off version comparison.
type CheckReport struct {
	Package     string `json:"package"`
	Latest      string `json:"latest,omitempty"`
	Installed   string `json:"installed,omitempty"`
	NeedsUpdate bool   `json:"needs_update"`
	Artifact    string `json:"artifact,omitempty"`
}

// Check resolves latest and installed versions without changing anything.
func (a *App) Check(ctx context.Context) (CheckReport, error) {
	pkg := a.Config.Package
	rep := CheckReport{Package: pkg}
	meta, err := a.Resolver.Metadata(ctx, pkg)
	if err != nil {
		return rep, err
	}
	latest := registry.ParseVersion(meta.LatestVersion())
	installed, err := a.Resolver.InstalledVersion(ctx, pkg)
	if err != nil {
		installed = registry.ParseVersion(a.Store.Load(pkg).Release(pkg))
		a.Log.Warn().Err(err).Str("recorded", original(installed)).Msg("installed version query failed, using recorded release")
	}
	rep.Latest = original(latest)
	rep.Installed = original(installed)
	rep.NeedsUpdate = registry.NeedsUpgrade(latest, installed)
	if art, ok := registry.SelectArtifact(meta, latest); ok {
		rep.Artifact = art.Filename
	}
	return rep, nil
}

func original(v *version.Version) string {
	if v == nil {
		return ""
	}
	return v.Original()
}
