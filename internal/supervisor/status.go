package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Status is the last known state of an instance.
type Status string

const (
	StatusRunning  Status = "running"
	StatusSleeping Status = "sleeping"
	StatusStopped  Status = "stopped"
	StatusUnknown  Status = "unknown"
)

// Live reports whether s counts as a live instance.
func (s Status) Live() bool { return s == StatusRunning || s == StatusSleeping }

// QueryFunc reads the OS status of pid. An error means the process can no
// longer be queried.
type QueryFunc func(ctx context.Context, pid int) (Status, error)

// QueryProcess reads the status of pid through gopsutil.
func QueryProcess(ctx context.Context, pid int) (Status, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return StatusUnknown, err
	}
	states, err := p.StatusWithContext(ctx)
	if err != nil {
		return StatusUnknown, err
	}
	if len(states) == 0 {
		return StatusUnknown, fmt.Errorf("empty status")
	}
	return fromProcessState(states[0]), nil
}

func fromProcessState(s string) Status {
	switch s {
	case process.Running:
		return StatusRunning
	case process.Sleep, process.Idle, process.Wait, process.Lock:
		return StatusSleeping
	case process.Stop, process.Zombie:
		return StatusStopped
	}
	return StatusUnknown
}
