package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/gaspardpetit/stdiorpc/internal/classify"
	"github.com/gaspardpetit/stdiorpc/internal/framing"
)

var (
	// ErrSerialization is returned when the request payload is not JSON.
	ErrSerialization = errors.New("request is not valid JSON")
	// ErrTimeout is returned when the child does not answer within the
	// request timeout.
	ErrTimeout = errors.New("timed out waiting for child response")
	// ErrBackpressure is returned when too many exchanges are pending.
	ErrBackpressure = errors.New("too many in-flight requests")
	// ErrNotRunning is returned when no child is attached.
	ErrNotRunning = errors.New("child process not running")
	// ErrProcessExited fails exchanges whose child exited before answering.
	ErrProcessExited = errors.New("child process exited")
	// ErrEmptyLine is the cause of a ParseError for a blank output line.
	ErrEmptyLine = errors.New("empty line")
)

// ParseError reports a child output line that is not valid JSON. The child
// keeps running.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse child response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Outcome classifies the result of Forward for metrics and logs.
func Outcome(resp []byte, err error) string {
	var pe *ParseError
	switch {
	case err == nil && resp == nil:
		return "notification"
	case err == nil && classify.IsMedia(resp):
		return "media"
	case err == nil:
		return "success"
	case errors.Is(err, ErrSerialization):
		return "invalid_request"
	case errors.As(err, &pe):
		return "parse_error"
	case errors.Is(err, framing.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	case errors.Is(err, ErrProcessExited):
		return "exited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
