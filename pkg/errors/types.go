package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeTransport indicates a transport layer error
	ErrorTypeTransport ErrorType = iota
	// ErrorTypeProtocol indicates a protocol error
	ErrorTypeProtocol
	// ErrorTypeWebRTC indicates a WebRTC error
	ErrorTypeWebRTC
	// ErrorTypeNotFound indicates a not found error
	ErrorTypeNotFound
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation
	// ErrorTypeSessionConflict indicates a second broadcaster attempt
	ErrorTypeSessionConflict
	// ErrorTypeNoActiveBroadcast indicates a viewer request with no broadcaster present
	ErrorTypeNoActiveBroadcast
	// ErrorTypeNegotiation indicates an invalid or rejected session description
	ErrorTypeNegotiation
	// ErrorTypeCandidate indicates a candidate applied before the remote description
	ErrorTypeCandidate
	// ErrorTypeRetryExhausted indicates a connection that ran out of retries
	ErrorTypeRetryExhausted
	// ErrorTypeChannel indicates a malformed or unroutable signaling message
	ErrorTypeChannel
	// ErrorTypeTransportUnavailable indicates no media transport can be built
	ErrorTypeTransportUnavailable
)

// String returns the wire name of the error type
func (t ErrorType) String() string {
	return errorTypeToString(t)
}

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// Because returns a copy of e caused by cause. Sentinels stay untouched.
func (e *Error) Because(cause error) *Error {
	c := *e
	c.Cause = cause
	c.Timestamp = time.Now()
	return &c
}

// TypeOf reports the type of the first *Error in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

// CodeOf reports the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Sentinels for the signaling taxonomy. Compare with Is; the match is on type and code.
var (
	ErrSessionConflict      = New(ErrorTypeSessionConflict, "BROADCASTER_EXISTS", "a broadcaster is already active")
	ErrNoActiveBroadcast    = New(ErrorTypeNoActiveBroadcast, "NO_BROADCASTER", "no active broadcast")
	ErrNegotiation          = New(ErrorTypeNegotiation, "NEGOTIATION_FAILED", "session description rejected")
	ErrCandidateTooEarly    = New(ErrorTypeCandidate, "CANDIDATE_TOO_EARLY", "remote description not set")
	ErrRetryExhausted       = New(ErrorTypeRetryExhausted, "RETRY_EXHAUSTED", "connection failed after retries")
	ErrMalformedMessage     = New(ErrorTypeChannel, "MALFORMED_MESSAGE", "malformed signaling message")
	ErrUnroutable           = New(ErrorTypeChannel, "UNROUTABLE", "message cannot be routed")
	ErrRoleMismatch         = New(ErrorTypeChannel, "ROLE_MISMATCH", "sender role not allowed for message")
	ErrTransportUnavailable = New(ErrorTypeTransportUnavailable, "TRANSPORT_UNAVAILABLE", "media transport unavailable")
	ErrTransportFailed      = New(ErrorTypeWebRTC, "TRANSPORT_FAILED", "transport reported failure")
	ErrLateMessage          = New(ErrorTypeChannel, "LATE_MESSAGE", "message does not match the live attempt")
	ErrAlreadyStarted       = New(ErrorTypeValidation, "ALREADY_STARTED", "connection already started")
	ErrOfferTimeout         = New(ErrorTypeTimeout, "OFFER_TIMEOUT", "offer not produced in time")
)
