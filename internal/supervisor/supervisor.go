// Package supervisor launches instances of the managed application and keeps
// a pid-keyed registry of them. Entries leave the registry when their process
// exits or when their status can no longer be queried.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"autovisor/internal/notify"
	"autovisor/internal/venv"
	"autovisor/pkg/types"
)

// DefaultStopGrace is how long StopAll waits after SIGTERM before killing.
const DefaultStopGrace = 5 * time.Second

// DefaultOutputDelay bounds how long an exited instance is kept around while
// a descendant still holds its stdout or stderr open.
const DefaultOutputDelay = 2 * time.Second

var (
	spawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autovisor_instance_spawns_total",
		Help: "Instance launches by result.",
	}, []string{"result"})
	exitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autovisor_instance_exits_total",
		Help: "Supervised instances that exited.",
	})
	prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autovisor_instance_pruned_total",
		Help: "Registry entries dropped because their status could not be queried.",
	})
)

func init() { prometheus.MustRegister(spawnsTotal, exitsTotal, prunedTotal) }

// Instance is one launched process of the managed application.
type Instance struct {
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
	outs []*io.PipeWriter

	mu     sync.Mutex
	status Status
	exit   error
}

// Status returns the last status observed for the instance.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) setStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// Done is closed once the process has exited and been reaped.
func (i *Instance) Done() <-chan struct{} { return i.done }

// ExitErr returns the process exit error after Done is closed.
func (i *Instance) ExitErr() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exit
}

// Config configures a Supervisor.
type Config struct {
	Env venv.Env
	// Command is the managed application argv; Command[0] is resolved in the
	// runtime's bin directory first.
	Command   []string
	Sink      notify.Sink
	StopGrace time.Duration
	// OutputDelay defaults to DefaultOutputDelay.
	OutputDelay time.Duration
	// Query overrides the status query; defaults to QueryProcess.
	Query QueryFunc
	Log   zerolog.Logger
}

// Supervisor owns the instance registry.
type Supervisor struct {
	env     venv.Env
	command []string
	sink    notify.Sink
	grace   time.Duration
	delay   time.Duration
	query   QueryFunc
	log     zerolog.Logger

	mu        sync.Mutex
	instances map[int]*Instance
}

func New(cfg Config) *Supervisor {
	q := cfg.Query
	if q == nil {
		q = QueryProcess
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	delay := cfg.OutputDelay
	if delay <= 0 {
		delay = DefaultOutputDelay
	}
	return &Supervisor{
		env:       cfg.Env,
		command:   cfg.Command,
		sink:      notify.OrNop(cfg.Sink),
		grace:     grace,
		delay:     delay,
		query:     q,
		log:       cfg.Log,
		instances: make(map[int]*Instance),
	}
}

// Spawn launches one instance. The process is not bound to ctx: it keeps
// running until it exits or StopAll is called.
func (s *Supervisor) Spawn(ctx context.Context) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.command) == 0 || strings.TrimSpace(s.command[0]) == "" {
		return nil, errors.New("spawn: empty command")
	}
	bin := s.env.Tool(s.command[0])
	cmd := exec.Command(bin, s.command[1:]...)
	cmd.Env = s.env.Environ()
	// Wait returns at most OutputDelay after exit even if a descendant holds
	// the output open.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = s.delay
	if err := cmd.Start(); err != nil {
		spawnsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("spawn %s: %w", bin, err)
	}
	inst := &Instance{
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		outs:      []*io.PipeWriter{stdoutW, stderrW},
		status:    StatusRunning,
	}
	s.mu.Lock()
	s.instances[inst.PID] = inst
	s.mu.Unlock()
	spawnsTotal.WithLabelValues("ok").Inc()
	s.log.Info().Str("command", bin).Int("pid", inst.PID).Msg("instance started")

	var readers sync.WaitGroup
	readers.Add(2)
	go s.forward(&readers, inst.PID, stdout, "stdout")
	go s.forward(&readers, inst.PID, stderr, "stderr")
	go s.watch(inst, &readers)
	return inst, nil
}

// forward relays each output line of pid to the sink and debug log.
func (s *Supervisor) forward(wg *sync.WaitGroup, pid int, r io.Reader, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		s.log.Debug().Int("pid", pid).Str("stream", stream).Msg(line)
		s.sink.InstanceOutput(pid, line)
	}
	// Drain so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

// watch reaps the process and removes its entry.
func (s *Supervisor) watch(inst *Instance, readers *sync.WaitGroup) {
	err := inst.cmd.Wait()
	for _, w := range inst.outs {
		_ = w.Close()
	}
	readers.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		s.log.Debug().Int("pid", inst.PID).Msg("instance output still held open after exit")
		err = nil
	}
	inst.mu.Lock()
	inst.exit = err
	inst.status = StatusStopped
	inst.mu.Unlock()
	s.remove(inst)
	exitsTotal.Inc()
	ev := s.log.Info().Int("pid", inst.PID)
	if err != nil {
		ev = s.log.Warn().Int("pid", inst.PID).Err(err)
	}
	ev.Msg("instance exited")
	close(inst.done)
}

// remove drops inst if the registry still maps its pid to it.
func (s *Supervisor) remove(inst *Instance) {
	s.mu.Lock()
	if cur, ok := s.instances[inst.PID]; ok && cur == inst {
		delete(s.instances, inst.PID)
	}
	s.mu.Unlock()
}

// LiveInstances scans the registry under the lock, querying each entry.
// Entries whose query fails are pruned; only running or sleeping instances
// are yielded. Yielding happens after the lock is released.
func (s *Supervisor) LiveInstances(ctx context.Context) iter.Seq[*Instance] {
	return func(yield func(*Instance) bool) {
		for _, inst := range s.scan(ctx) {
			if !yield(inst) {
				return
			}
		}
	}
}

func (s *Supervisor) scan(ctx context.Context) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := make([]*Instance, 0, len(s.instances))
	for pid, inst := range s.instances {
		st, err := s.query(ctx, pid)
		if err != nil {
			qe := &SupervisorQueryError{PID: pid, Err: err}
			s.log.Debug().Err(qe).Msg("pruning instance")
			inst.setStatus(StatusUnknown)
			delete(s.instances, pid)
			prunedTotal.Inc()
			continue
		}
		inst.setStatus(st)
		if st.Live() {
			live = append(live, inst)
		}
	}
	sort.Slice(live, func(a, b int) bool { return live[a].PID < live[b].PID })
	return live
}

// CountLive returns the number of live instances.
func (s *Supervisor) CountLive(ctx context.Context) int {
	n := 0
	for range s.LiveInstances(ctx) {
		n++
	}
	return n
}

// Snapshot returns the registry contents with last known statuses, ordered by pid.
func (s *Supervisor) Snapshot() []types.InstanceStatus {
	s.mu.Lock()
	out := make([]types.InstanceStatus, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, types.InstanceStatus{
			PID:       inst.PID,
			Status:    string(inst.Status()),
			StartedAt: inst.StartedAt.Unix(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].PID < out[b].PID })
	return out
}

// StopAll sends SIGTERM to every registered instance and kills those still
// running after the grace period or once ctx is done.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	targets := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		targets = append(targets, inst)
	}
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, inst := range targets {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := s.stop(ctx, inst); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(inst)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (s *Supervisor) stop(ctx context.Context, inst *Instance) error {
	if err := inst.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", inst.PID, err)
	}
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-inst.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn().Int("pid", inst.PID).Msg("instance did not stop in time; killing")
	if err := inst.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", inst.PID, err)
	}
	<-inst.done
	return nil
}
