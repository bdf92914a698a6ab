// Package status carries the small set of error codes used across the
// RDMA core, modeled on the codes named in the library's design notes
// rather than on Go's bare error strings.
package status

import "fmt"

// Code classifies why an operation failed.
type Code int

const (
	Ok Code = iota
	Unavailable
	NotFound
	AlreadyExists
	FailedPrecondition
	Internal
	OutOfRange
	ResourceExhausted
	Fatal
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "OK"
	case Unavailable:
		return "Unavailable"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case FailedPrecondition:
		return "FailedPrecondition"
	case Internal:
		return "Internal"
	case OutOfRange:
		return "OutOfRange"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Status is an error carrying one of the codes above plus a message.
type Status struct {
	code Code
	msg  string
	err  error
}

func New(code Code, msg string) *Status {
	return &Status{code: code, msg: msg}
}

func Wrap(code Code, err error, msg string) *Status {
	return &Status{code: code, msg: msg, err: err}
}

func (s *Status) Code() Code { return s.code }

func (s *Status) Error() string {
	if s.err != nil {
		return fmt.Sprintf("%s: %s: %v", s.code, s.msg, s.err)
	}
	return fmt.Sprintf("%s: %s", s.code, s.msg)
}

func (s *Status) Unwrap() error { return s.err }

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	s, ok := err.(*Status)
	if !ok {
		return false
	}
	return s.code == code
}

func Unavailablef(format string, args ...any) *Status {
	return New(Unavailable, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) *Status {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func AlreadyExistsf(format string, args ...any) *Status {
	return New(AlreadyExists, fmt.Sprintf(format, args...))
}

func FailedPreconditionf(format string, args ...any) *Status {
	return New(FailedPrecondition, fmt.Sprintf(format, args...))
}

func Internalf(format string, args ...any) *Status {
	return New(Internal, fmt.Sprintf(format, args...))
}

func OutOfRangef(format string, args ...any) *Status {
	return New(OutOfRange, fmt.Sprintf(format, args...))
}

func ResourceExhaustedf(format string, args ...any) *Status {
	return New(ResourceExhausted, fmt.Sprintf(format, args...))
}

// StreamTerminated is the canonical OutOfRange status a Stream returns once
// exhausted or explicitly terminated.
func StreamTerminated() *Status {
	return New(OutOfRange, "stream terminated")
}

// IsStreamTerminated reports whether err is a *Status with the OutOfRange
// code, the code StreamTerminated uses; the message is not compared.
func IsStreamTerminated(err error) bool {
	s, ok := err.(*Status)
	return ok && s.code == OutOfRange
}
