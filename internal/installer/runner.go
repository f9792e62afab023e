// Package installer drives the isolated runtime's install tool (pip): running
// it with a scoped environment, streaming and classifying its output, and
// reading installed versions back from it.
package installer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	version "github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"autovisor/internal/logging"
	"autovisor/internal/notify"
	"autovisor/internal/venv"
)

// DefaultTool is the install tool looked up in the runtime's bin directory.
const DefaultTool = "pip"

// stderrTail bounds the captured error stream.
const stderrTail = 8 << 10

var (
	reCollecting = regexp.MustCompile(`Collecting\s.*`)
	reInstalling = regexp.MustCompile(`Installing collected packages: (.*)$`)
	reInstalled  = regexp.MustCompile(`Successfully installed`)
	reVersion    = regexp.MustCompile(`Version:\s([\d\.]+)`)
)

var toolRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "autovisor_install_tool_runs_total",
	Help: "Install tool invocations by subcommand and result.",
}, []string{"command", "result"})

func init() { prometheus.MustRegister(toolRuns) }

// Config configures a Runner.
type Config struct {
	Env venv.Env
	// Tool is the executable name inside the runtime; defaults to pip.
	Tool string
	// InstallArgs are inserted between "install" and the artifact path.
	InstallArgs []string
	Log         zerolog.Logger
}

// Runner executes the install tool. It holds no per-call state and may be
// shared, although the orchestrator never runs two installs at once.
type Runner struct {
	env         venv.Env
	tool        string
	installArgs []string
	log         zerolog.Logger
}

func New(cfg Config) *Runner {
	tool := strings.TrimSpace(cfg.Tool)
	if tool == "" {
		tool = DefaultTool
	}
	return &Runner{env: cfg.Env, tool: tool, installArgs: cfg.InstallArgs, log: cfg.Log}
}

// Run executes the tool with args, calling onLine for every stdout line as it
// arrives. Stderr is captured and returned inside *InstallError on non-zero exit.
func (r *Runner) Run(ctx context.Context, args []string, onLine func(string)) error {
	bin := r.env.Tool(r.tool)
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = r.env.Environ()
	stderr := &tailBuffer{max: stderrTail}
	errLog := &logging.LineWriter{Log: r.log, Prefix: "stderr> "}
	cmd.Stderr = io.MultiWriter(stderr, errLog)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &InstallError{Args: args, Err: err}
	}
	if err := cmd.Start(); err != nil {
		toolRuns.WithLabelValues(subcommand(args), "start_error").Inc()
		return &InstallError{Args: args, Err: err}
	}
	r.log.Debug().Str("tool", bin).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("install tool started")

	scanErr := readLines(stdout, maxLineBytes, func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}, func(n int) {
		r.log.Warn().Int("bytes", n).Msg("install output line too long, dropped")
	})
	if scanErr != nil {
		// Keep the child writable so Wait can return.
		_, _ = io.Copy(io.Discard, stdout)
	}
	werr := cmd.Wait()
	errLog.Flush()
	if werr != nil {
		toolRuns.WithLabelValues(subcommand(args), "error").Inc()
		ie := &InstallError{Args: args, ExitCode: -1, Stderr: stderr.String(), Err: werr}
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			ie.ExitCode = ee.ExitCode()
		}
		return ie
	}
	if scanErr != nil {
		toolRuns.WithLabelValues(subcommand(args), "error").Inc()
		return &InstallError{Args: args, Err: scanErr}
	}
	toolRuns.WithLabelValues(subcommand(args), "ok").Inc()
	return nil
}

// maxLineBytes bounds one stdout line passed to the line callback.
const maxLineBytes = 1 << 20

// readLines calls fn for every line of r until EOF. Lines longer than limit are
// consumed in full but dropped, reported through onDrop with their length.
func readLines(r io.Reader, limit int, fn func(string), onDrop func(int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	size := 0
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		size += len(chunk)
		if size <= limit {
			buf = append(buf, chunk...)
		}
		if isPrefix {
			continue
		}
		if size <= limit {
			fn(strings.TrimRight(string(buf), "\r"))
		} else if onDrop != nil {
			onDrop(size)
		}
		buf, size = buf[:0], 0
	}
}

// InstallArtifact installs the file at path. Classified output lines are
// forwarded to sink; every line goes to debug logging. It succeeds only when
// the tool exits zero and printed its success marker.
func (r *Runner) InstallArtifact(ctx context.Context, path string, sink notify.Sink) (bool, error) {
	sink = notify.OrNop(sink)
	args := append([]string{"install"}, r.installArgs...)
	args = append(args, path)
	sawMarker := false
	err := r.Run(ctx, args, func(line string) {
		r.log.Debug().Str("line", line).Msg("install output")
		n, ok := Classify(line)
		if !ok {
			return
		}
		if n.Category == notify.CategoryInstalled {
			sawMarker = true
		}
		sink.Status(n)
	})
	if err != nil {
		return false, err
	}
	if !sawMarker {
		return false, &InstallError{Args: args, MissingMarker: true}
	}
	return true, nil
}

// Classify maps one install output line to a status notification. Lines that
// match none of the known patterns are informational only.
func Classify(line string) (notify.Notification, bool) {
	switch {
	case reInstalled.MatchString(line):
		return notify.Notification{Category: notify.CategoryInstalled, Message: strings.TrimSpace(line)}, true
	case reInstalling.MatchString(line):
		m := reInstalling.FindStringSubmatch(line)
		return notify.Notification{Category: notify.CategoryInstalling, Message: "Installing: " + strings.TrimSpace(m[1])}, true
	case reCollecting.MatchString(line):
		return notify.Notification{Category: notify.CategoryCollecting, Message: strings.TrimSpace(reCollecting.FindString(line))}, true
	}
	return notify.Notification{}, false
}

// QueryInstalledVersion asks the tool for the installed version of pkg. A
// package the tool reports as absent yields nil without error; the error is
// set only when the tool could not answer (missing, killed, unreadable output).
func (r *Runner) QueryInstalledVersion(ctx context.Context, pkg string) (*version.Version, error) {
	var out []string
	if err := r.Run(ctx, []string{"show", pkg}, func(line string) { out = append(out, line) }); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() > 0 {
			r.log.Debug().Err(err).Str("package", pkg).Msg("package not installed")
			return nil, nil
		}
		return nil, err
	}
	return ParseShowOutput(strings.Join(out, "\n")), nil
}

// ParseShowOutput extracts the first Version: token from "show" output.
func ParseShowOutput(out string) *version.Version {
	m := reVersion.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	v, err := version.NewVersion(strings.TrimRight(m[1], "."))
	if err != nil {
		return nil
	}
	return v
}

func subcommand(args []string) string {
	if len(args) == 0 {
		return "none"
	}
	return args[0]
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
