package job

import "errors"

var (
	// ErrUnknownTask: the job names a task nothing registered a handler for.
	ErrUnknownTask = errors.New("job: unknown task")

	// ErrInvalidPayload: the payload does not decode into the handler's
	// type. Terminal -- redelivery cannot fix a malformed message.
	ErrInvalidPayload = errors.New("job: invalid payload")

	// ErrAlreadyStarted is returned by Start on a running manager.
	ErrAlreadyStarted = errors.New("job: already started")

	// ErrNotStarted is returned by Stop on a stopped manager.
	ErrNotStarted = errors.New("job: not started")

	// ErrPoolRequired is returned by NewManager without a database pool.
	ErrPoolRequired = errors.New("job: pool is required")
)
