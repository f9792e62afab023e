package supervisor

import (
	"errors"
	"fmt"
)

// SupervisorQueryError reports that an instance's status could not be read,
// typically because the process is gone. It is always recoverable: the entry
// is pruned and enumeration continues.
type SupervisorQueryError struct {
	PID int
	Err error
}

func (e *SupervisorQueryError) Error() string {
	return fmt.Sprintf("query status of pid %d: %v", e.PID, e.Err)
}

func (e *SupervisorQueryError) Unwrap() error { return e.Err }

// IsSupervisorQuery reports whether err is or wraps a *SupervisorQueryError.
func IsSupervisorQuery(err error) bool {
	var qe *SupervisorQueryError
	return errors.As(err, &qe)
}
