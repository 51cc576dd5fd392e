package rpctable

import "errors"

var (
	ErrInvalidCommand        = errors.New("invalid command")
	ErrInvalidParams         = errors.New("invalid params")
	ErrCommandAlreadyExists  = errors.New("command already exists")
	ErrCommandNotFound       = errors.New("command not found")
	ErrTableClosed           = errors.New("command table closed")
	ErrServerNotStarted      = errors.New("server not started")
	ErrServerAlreadyStarted  = errors.New("server already started")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrPublishFailed         = errors.New("failed to publish request")
	ErrSubscribeFailed       = errors.New("failed to subscribe to channel")
	ErrCallTimeout           = errors.New("timed out waiting for reply")
)
