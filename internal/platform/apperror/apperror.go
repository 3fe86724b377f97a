// Package apperror defines the error taxonomy shared by the encounter
// workflow: validation, conflict, network, terminal-state and not-found
// failures, and their mapping onto HTTP responses.
package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNetwork    Kind = "network"
	KindTerminal   Kind = "terminal_state"
	KindNotFound   Kind = "not_found"
)

// Error is the concrete type behind every constructor in this package.
// Op names the operation that failed, Reason is the user-facing message.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports an unmet gate. No network call was issued.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Conflict reports that authoritative state diverged from the local assumption.
func Conflict(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Network reports a transport failure whose outcome is unknown.
func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Reason: "outcome unknown", Err: err}
}

// Terminal reports an attempt to mutate a frozen encounter.
func Terminal(op, phase string) error {
	return &Error{Kind: KindTerminal, Op: op, Reason: fmt.Sprintf("encounter is in terminal phase %s", phase)}
}

// NotFound reports a missing record.
func NotFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Reason: what + " not found"}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsNetwork(err error) bool    { return KindOf(err) == KindNetwork }
func IsTerminal(err error) bool   { return KindOf(err) == KindTerminal }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }

// RequiresResync is true for failures after which the encounter must be
// re-fetched before any further mutation is attempted.
func RequiresResync(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindNetwork:
		return true
	}
	return false
}

// FromContext converts a context cancellation or deadline into a network
// error. Any other error is returned unchanged.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Network(op, err)
	}
	return err
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNetwork:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindTerminal:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// ToHTTPError wraps err into an echo error carrying the kind so clients can
// decide whether a resync is required.
func ToHTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	body := map[string]interface{}{
		"error": err.Error(),
	}
	if k := KindOf(err); k != "" {
		body["kind"] = k
		body["resync_required"] = RequiresResync(err)
	}
	if status == http.StatusInternalServerError {
		body["error"] = "internal server error"
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
