package installer

import (
	"errors"
	"fmt"
	"strings"
)

// InstallError reports a failed install tool invocation: a non-zero exit, a
// failure to start, or a zero exit without the success marker.
type InstallError struct {
	Args          []string
	ExitCode      int
	Stderr        string
	MissingMarker bool
	Err           error
}

func (e *InstallError) Error() string {
	cmd := strings.Join(e.Args, " ")
	switch {
	case e.MissingMarker:
		return fmt.Sprintf("install %q: exited 0 without success marker", cmd)
	case e.Err != nil && e.ExitCode == 0:
		return fmt.Sprintf("install %q: %v", cmd, e.Err)
	}
	msg := fmt.Sprintf("install %q: exit status %d", cmd, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *InstallError) Unwrap() error { return e.Err }

// IsInstall reports whether err is or wraps an *InstallError.
func IsInstall(err error) bool {
	var ie *InstallError
	return errors.As(err, &ie)
}
