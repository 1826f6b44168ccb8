package transit

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrAlreadyTerminal = errors.New("trip already in a terminal state")
	ErrAlreadyRunning  = errors.New("simulation already running")
	// ErrTransientIO marks storage or transport failures that a later attempt may not hit.
	ErrTransientIO = errors.New("transient io failure")
)
