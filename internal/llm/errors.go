package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the claude process exceeds its wall-clock budget.
	// The process has been killed and reaped by the time this surfaces.
	ErrTimeout = errors.New("claude execution timed out")

	// ErrExecutionFailed is returned when the process could not run or exited
	// non-zero without producing any output.
	ErrExecutionFailed = errors.New("claude execution failed")

	// ErrMalformedReply is returned when a structured tool-calling reply
	// violates the envelope contract.
	ErrMalformedReply = errors.New("malformed structured reply")

	// ErrPromptTooLarge is returned before launch when a prompt cannot fit in a
	// single command-line argument.
	ErrPromptTooLarge = errors.New("prompt too large")
)

// TimeoutError reports the budget that was exceeded.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("claude execution timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ExecutionError carries the exit code and captured stderr of a failed run.
// ExitCode is -1 when the process never started.
type ExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.ExitCode < 0 {
		return "claude error: " + msg
	}
	return fmt.Sprintf("claude error (exit %d): %s", e.ExitCode, msg)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecutionFailed}
	}
	return []error{ErrExecutionFailed, e.Err}
}

// MalformedReplyError points at the offending tool call entry.
type MalformedReplyError struct {
	Index  int
	Reason string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed structured reply: tool_calls[%d]: %s", e.Index, e.Reason)
}

func (e *MalformedReplyError) Unwrap() error { return ErrMalformedReply }

// PromptTooLargeError names the argument that exceeded the per-argument limit.
type PromptTooLargeError struct {
	Arg   string
	Size  int
	Limit int
}

func (e *PromptTooLargeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, over the %d byte limit for a single claude argument", e.Arg, e.Size, e.Limit)
}

func (e *PromptTooLargeError) Unwrap() error { return ErrPromptTooLarge }
