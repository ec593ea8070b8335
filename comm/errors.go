package comm

import "github.com/arloliu/go-termcom/errs"

var (
	// ErrEngineStopped is returned by engine operations invoked while the engine is not running.
	ErrEngineStopped = errs.New(errs.KindCommunication, "comm.engine", "engine is not running")
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errs.New(errs.KindSession, "comm.engine", "session not found")
	// ErrEmptyData is returned when sending an empty payload.
	ErrEmptyData = errs.New(errs.KindInvalidInput, "comm.engine", "data is empty")
	// ErrNoResponse is returned by Execute and Receive when nothing arrives before the deadline.
	ErrNoResponse = errs.New(errs.KindTimeout, "comm.engine", "no response")
)
