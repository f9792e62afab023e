package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"autovisor/internal/app"
	"autovisor/internal/config"
	"autovisor/internal/logging"
	"autovisor/internal/state"
	"autovisor/internal/venv"
)

// options collects command-line overrides on top of the config file.
type options struct {
	configPath  string
	pkg         string
	command     string
	root        string
	venvName    string
	indexURL    string
	interval    string
	addr        string
	corsOrigins string
	logLevel    string
	logFormat   string
	logFile     string
	stopOnExit  bool
	verify      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaultConfig := os.Getenv("AUTOVISOR_CONFIG")
	root := &cobra.Command{
		Use:           "autovisor",
		Short:         "Keep one instance of a pip-installed application running and up to date",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", defaultConfig, "Config file (.yaml, .json, .toml); defaults to AUTOVISOR_CONFIG")
	pf.StringVarP(&opts.pkg, "package", "p", "", "Managed package name")
	pf.StringVar(&opts.root, "root", "", "Data root holding venvs/ and install.json (default "+config.DefaultRoot+")")
	pf.StringVar(&opts.venvName, "venv", "", "Runtime name under {root}/venvs (default "+config.DefaultVenvName+")")
	pf.StringVar(&opts.indexURL, "index-url", "", "Registry JSON API base (default "+config.DefaultIndexURL+")")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error|off")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json")
	pf.StringVar(&opts.logFile, "log-file", "", "Also write JSON logs to this rotating file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the update loop and keep the application alive",
		Example: "  autovisor run -p galacteek --addr 127.0.0.1:8089\n" +
			"  autovisor run -c /etc/autovisor.yaml --stop-on-exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}
	rf := runCmd.Flags()
	rf.StringVar(&opts.command, "command", "", "Managed command line, space separated (default: the package name)")
	rf.StringVar(&opts.interval, "interval", "", "Time between cycles, e.g. 60s")
	rf.StringVar(&opts.addr, "addr", "", "Status API listen address, e.g. 127.0.0.1:8089 (empty disables)")
	rf.StringVar(&opts.corsOrigins, "cors-origins", "", "Comma separated origins allowed to read the status API")
	rf.BoolVar(&opts.stopOnExit, "stop-on-exit", false, "Stop supervised instances when autovisor exits")
	rf.BoolVar(&opts.verify, "verify-digest", false, "Check downloaded artifacts against the registry sha256")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the latest release with the installed version",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd, opts)
			if err != nil {
				return err
			}
			rep, err := a.Check(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}

	var server string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted install record, or a running supervisor's status",
		Example: "  autovisor status\n" +
			"  autovisor status --server http://127.0.0.1:8089",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return fetchStatus(cmd.Context(), cmd.OutOrStdout(), server)
			}
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			env, err := venv.New(cfg.Root, cfg.VenvName)
			if err != nil {
				return err
			}
			store := state.NewStore(env.StatusPath(), newLogger(cfg))
			return printJSON(cmd.OutOrStdout(), store.Load(cfg.Package))
		},
	}
	statusCmd.Flags().StringVar(&server, "server", "", "Base URL of a running status API")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the autovisor version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(runCmd, checkCmd, statusCmd, versionCmd)
	return root
}

// loadConfig reads the config file, if any, then applies flags the user set.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	var cfg config.Config
	if opts.configPath != "" {
		c, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	set := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	set("package", &cfg.Package, opts.pkg)
	set("root", &cfg.Root, opts.root)
	set("venv", &cfg.VenvName, opts.venvName)
	set("index-url", &cfg.IndexURL, opts.indexURL)
	set("interval", &cfg.CycleInterval, opts.interval)
	set("addr", &cfg.Addr, opts.addr)
	set("log-level", &cfg.LogLevel, opts.logLevel)
	set("log-format", &cfg.LogFormat, opts.logFormat)
	set("log-file", &cfg.LogFile, opts.logFile)
	if changed("command") {
		cfg.Command = strings.Fields(opts.command)
	}
	if changed("cors-origins") {
		cfg.CORSOrigins = splitCSV(opts.corsOrigins)
	}
	if changed("stop-on-exit") {
		cfg.StopOnExit = opts.stopOnExit
	}
	if changed("verify-digest") {
		cfg.VerifyDigest = opts.verify
	}
	return cfg.WithDefaults(), nil
}

func buildApp(cmd *cobra.Command, opts *options) (*app.App, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, newLogger(cfg), version)
}

func newLogger(cfg config.Config) zerolog.Logger {
	return logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
}

func fetchStatus(ctx context.Context, w io.Writer, server string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status: unexpected response %s", resp.Status)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("status: decode: %w", err)
	}
	return printJSON(w, v)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitCSV splits a comma separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
