package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("unitkernel: configuration is required")
	ErrLoggerRequired     = sterrors.New("unitkernel: logger is required")
	ErrTopicRequired      = sterrors.New("unitkernel: topic is required")
	ErrHandlerRequired    = sterrors.New("unitkernel: handler is required")
	ErrBusClosed          = sterrors.New("unitkernel: bus is closed")
	ErrRequestTimeout     = sterrors.New("unitkernel: request timed out")
	ErrUnknownUnit        = sterrors.New("unitkernel: unknown unit")
	ErrUnitRunning        = sterrors.New("unitkernel: unit already running")
	ErrFactoryRequired    = sterrors.New("unitkernel: unit factory is required")
	ErrUnitInitTimeout    = sterrors.New("unitkernel: unit init timed out")
	ErrUnitNotReady       = sterrors.New("unitkernel: unit did not announce readiness")
	ErrHandshakeTimeout   = sterrors.New("unitkernel: handshake timed out")
	ErrHandshakePending   = sterrors.New("unitkernel: handshake already pending")
	ErrUnexpectedResponse = sterrors.New("unitkernel: unexpected response payload")
	ErrStorageUnavailable = sterrors.New("unitkernel: storage estimate unavailable")
	ErrKernelNotInit      = sterrors.New("unitkernel: kernel is not initialised")
	ErrWorkerExists       = sterrors.New("unitkernel: worker already spawned")
)

// ConfigValidationError wraps everything Config.Validate found wrong.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "unitkernel: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// RemoteError carries the error string an RPC handler replied with.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return "unitkernel: rpc " + e.Method + ": " + e.Message
}
