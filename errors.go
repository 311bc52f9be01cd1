package alive

import "errors"

// Heartbeat errors.
var (
	// ErrCycleTimeout indicates a heartbeat cycle did not finish within the cycle timeout.
	ErrCycleTimeout = errors.New("heartbeat cycle timed out")

	// ErrProbeFailed indicates the liveness probe raised an error (not a plain rejection).
	ErrProbeFailed = errors.New("liveness probe error")

	// ErrAlreadyStarted indicates the agent or queue is already running.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates the agent or queue has not been started yet.
	ErrNotStarted = errors.New("not started")

	// ErrUnknownJob indicates a job kind has no registered handler.
	ErrUnknownJob = errors.New("unknown job kind")

	// ErrInvalidJob indicates a job message could not be decoded or is missing fields.
	ErrInvalidJob = errors.New("invalid job")

	// ErrStoreClosed indicates the store was used after Close.
	ErrStoreClosed = errors.New("store closed")

	// ErrNATSDisconnected indicates the NATS connection is not available.
	ErrNATSDisconnected = errors.New("NATS connection disconnected")
)
