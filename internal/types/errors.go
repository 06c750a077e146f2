package types

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Issue is a single protocol validation finding.
type Issue struct {
	Code      string `json:"code" yaml:"code"`
	Message   string `json:"message" yaml:"message"`
	StepIndex int    `json:"step_index" yaml:"step_index"` // -1 for protocol-level issues
	Field     string `json:"field,omitempty" yaml:"field,omitempty"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (i Issue) String() string {
	if i.StepIndex < 0 {
		return fmt.Sprintf("%s: %s (%s)", i.Code, i.Message, i.Field)
	}
	return fmt.Sprintf("%s: step %d field %s: %s", i.Code, i.StepIndex, i.Field, i.Message)
}

// ValidationError reports a malformed protocol. It is raised before any hardware is touched.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "protocol validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "protocol validation failed: " + strings.Join(parts, "; ")
}

// DeviceErrorCode classifies a DeviceCommError.
type DeviceErrorCode string

const (
	DeviceTimeout    DeviceErrorCode = "TIMEOUT"
	DeviceComm       DeviceErrorCode = "COMM"
	DeviceNotFound   DeviceErrorCode = "NOT_FOUND"
	DeviceOutOfRange DeviceErrorCode = "OUT_OF_RANGE"
)

// DeviceCommError is returned by device proxies when an operation fails.
type DeviceCommError struct {
	Device string
	Op     string
	Code   DeviceErrorCode
	Err    error
}

func (e *DeviceCommError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Device, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Device, e.Op, e.Code)
}

func (e *DeviceCommError) Unwrap() error {
	return e.Err
}

func NewDeviceError(device, op string, code DeviceErrorCode, format string, args ...any) *DeviceCommError {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &DeviceCommError{Device: device, Op: op, Code: code, Err: err}
}

// SafetyViolation is returned at the API boundary when a request would let two owners drive
// the same hardware. A run that hits it never starts.
type SafetyViolation struct {
	Reason string
}

func (e *SafetyViolation) Error() string {
	return "safety violation: " + e.Reason
}

func NewSafetyViolation(format string, args ...any) *SafetyViolation {
	return &SafetyViolation{Reason: fmt.Sprintf(format, args...)}
}

func IsTimeout(err error) bool {
	var devErr *DeviceCommError
	return errors.As(err, &devErr) && devErr.Code == DeviceTimeout
}
