package supervise

import "errors"

var (
	// ErrLaunch wraps executable resolution and spawn failures. The caller
	// gets no process; nothing is registered in the table.
	ErrLaunch = errors.New("process launch failed")

	// ErrAlreadySupervised is returned when a job id is already bound to a
	// live process.
	ErrAlreadySupervised = errors.New("job already supervised")

	// ErrNotSupervised is returned by operations on unknown job ids.
	ErrNotSupervised = errors.New("job not supervised")
)
