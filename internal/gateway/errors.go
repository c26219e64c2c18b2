package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error classifies a gateway failure as transient (worth redelivering with
// backoff) or permanent (terminal for the submission). The executor never
// surfaces Detail to callers; it persists only a summarized reason.
type Error struct {
	Op        string
	Status    int
	Transient bool
	Detail    string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status=%d %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

// Summary is the caller-visible failure reason.
func (e *Error) Summary() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failed (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed", e.Op)
}

func transientErr(op string, err error) *Error {
	return &Error{Op: op, Transient: true, Detail: err.Error()}
}

func permanentErr(op string, status int, detail string) *Error {
	return &Error{Op: op, Status: status, Transient: false, Detail: detail}
}

// classifyStatus maps an unexpected HTTP status to a gateway error.
// 5xx and 429 self-resolve; auth and validation failures never do.
func classifyStatus(op string, status int, body string) *Error {
	if status >= 500 || status == 429 {
		return &Error{Op: op, Status: status, Transient: true, Detail: body}
	}
	return &Error{Op: op, Status: status, Transient: false, Detail: body}
}

// IsTransient reports whether err should be retried with backoff.
// Network errors, timeouts and context deadlines count as transient;
// anything unclassified defaults to transient so that a redelivery gets
// a chance to observe a cleaner failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return true
}

// Reason extracts the persistable failure summary from err.
func Reason(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Summary()
	}
	return "gateway call failed"
}
