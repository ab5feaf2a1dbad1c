package models

import "errors"

// Predefined errors shared by the registry, dispatcher and handlers.
var (
	ErrEnvironmentNotFound     = errors.New("environment not found")
	ErrEnvironmentExists       = errors.New("environment already registered with this ID")
	ErrEnvironmentBusy         = errors.New("environment is already allocated")
	ErrEnvironmentRemoved      = errors.New("environment has been removed from the pool")
	ErrEnvironmentNotAllocated = errors.New("environment is not allocated")

	ErrJobNotFound     = errors.New("job not found")
	ErrJobTerminal     = errors.New("job already reached a terminal state")
	ErrInvalidTestCase = errors.New("invalid test case data provided")

	ErrNotRunning = errors.New("orchestrator is not running")
)
