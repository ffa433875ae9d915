// Package errors provides unified error handling with structured error codes.
// Every component failure in the pipeline is reported as an *AppError so that
// callers can classify it with IsCode/IsRetryable regardless of origin.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies an AppError.
type Code int

const (
	Unknown Code = iota
	Internal
	InvalidArgument
	ConfigInvalid
	Unavailable
	Timeout
	Cancelled
	CaptureFailed
	EncodingFailed
	RemoteService
	PollTimeout
	ActuatorFailed
)

var codeNames = map[Code]string{
	Unknown:         "UNKNOWN",
	Internal:        "INTERNAL",
	InvalidArgument: "INVALID_ARGUMENT",
	ConfigInvalid:   "CONFIG_INVALID",
	Unavailable:     "UNAVAILABLE",
	Timeout:         "TIMEOUT",
	Cancelled:       "CANCELLED",
	CaptureFailed:   "CAPTURE_FAILED",
	EncodingFailed:  "ENCODING_FAILED",
	RemoteService:   "REMOTE_SERVICE",
	PollTimeout:     "POLL_TIMEOUT",
	ActuatorFailed:  "ACTUATOR_FAILED",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	Unknown:         codes.Unknown,
	Internal:        codes.Internal,
	InvalidArgument: codes.InvalidArgument,
	ConfigInvalid:   codes.FailedPrecondition,
	Unavailable:     codes.Unavailable,
	Timeout:         codes.DeadlineExceeded,
	Cancelled:       codes.Canceled,
	CaptureFailed:   codes.Unavailable,
	EncodingFailed:  codes.InvalidArgument,
	RemoteService:   codes.Internal,
	PollTimeout:     codes.DeadlineExceeded,
	ActuatorFailed:  codes.Unavailable,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error

	// transport overrides the code-derived gRPC code when the failure came
	// from a remote collaborator that told us more (e.g. HTTP 429).
	transport codes.Code
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if e.transport != codes.OK {
		return e.transport
	}
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// GRPCStatus lets grpc's status.FromError recognise AppError directly.
func (e *AppError) GRPCStatus() *status.Status {
	return status.New(e.GRPCCode(), e.Error())
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// WithGRPCCode overrides the code-derived gRPC code, e.g. to mark a
// transport failure as Unavailable.
func (e *AppError) WithGRPCCode(c codes.Code) *AppError {
	e.transport = c
	return e
}

// FromHTTPStatus builds an AppError for a non-2xx reply from a remote
// collaborator. The HTTP status decides retryability.
func FromHTTPStatus(code Code, httpStatus int, msg string) *AppError {
	e := &AppError{Code: code, Message: msg, transport: httpToGRPC(httpStatus)}
	return e.WithMetadata("http_status", fmt.Sprint(httpStatus))
}

func httpToGRPC(s int) codes.Code {
	switch {
	case s == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case s == http.StatusRequestTimeout || s == http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case s == http.StatusUnauthorized:
		return codes.Unauthenticated
	case s == http.StatusForbidden:
		return codes.PermissionDenied
	case s == http.StatusNotFound:
		return codes.NotFound
	case s >= 500:
		return codes.Unavailable
	case s >= 400:
		return codes.InvalidArgument
	default:
		return codes.Unknown
	}
}

// As extracts an *AppError from anywhere in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.GRPCCode() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
