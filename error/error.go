package error

import "errors"

var (
	ErrTransport                  = errors.New("transport error")
	ErrNotConnected               = errors.New("debugger is not connected")
	ErrDebuggerIsClosed           = errors.New("debug is closed")
	ErrIllegalTransition          = errors.New("illegal breakpoint status transition")
	ErrUnknownBreakpoint          = errors.New("breakpoint not found")
	ErrUnknownKind                = errors.New("unknown breakpoint kind")
	ErrConditionNotSupported      = errors.New("breakpoint kind does not accept conditions or descriptions")
	ErrCorrelationMismatch        = errors.New("reply does not match any expected breakpoint")
	ErrTimeout                    = errors.New("wait for agent reply timed out")
	ErrCancelled                  = errors.New("wait cancelled")
	ErrDisconnected               = errors.New("agent disconnected")
	ErrUnknownMessage             = errors.New("unknown message type")
	ErrInvalidAddress             = errors.New("invalid breakpoint address")
	ErrTraceIsRunning             = errors.New("trace is running")
	ErrProgramIsRunningOptionFail = errors.New("The program is running")
	ErrProgramIsStoppedOptionFail = errors.New("The program is stopped")
)
