// Package syncerr defines the error taxonomy shared by the API client, the sync
// engine, the webhook router and the pipeline orchestrator.
//
// Every failure that can reach a persisted, user-visible field is reduced to a
// Code. The Code decides the Category (and therefore retry behaviour) and the
// fixed sanitized message that is stored. The wrapped error keeps the full
// detail for logs only.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Category groups codes by how callers must react to them.
type Category string

const (
	// Transient failures are retried with backoff up to a bounded attempt count.
	Transient Category = "transient"
	// Permanent failures are never retried.
	Permanent Category = "permanent"
	// Item failures affect one record; the batch continues.
	Item Category = "item"
	// Routing failures are rejected at the boundary and never reach tenant data.
	Routing Category = "routing"
)

// Code identifies a specific failure.
type Code string

const (
	CodeTimeout             Code = "timeout"
	CodeRateLimited         Code = "rate_limited"
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	CodeResourceLimit       Code = "resource_limit"
	CodeAuth                Code = "auth"
	CodeMalformedCredential Code = "malformed_credential"
	CodeNotFound            Code = "not_found"
	CodeMalformedRecord     Code = "malformed_record"
	CodeUnauthorizedWebhook Code = "unauthorized_webhook"
	CodePayloadTooLarge     Code = "payload_too_large"
	CodeCancelled           Code = "cancelled"
	CodeInterrupted         Code = "interrupted"
	CodeInternal            Code = "internal"
)

var categories = map[Code]Category{
	CodeTimeout:             Transient,
	CodeRateLimited:         Transient,
	CodeUpstreamUnavailable: Transient,
	CodeResourceLimit:       Transient,
	CodeInternal:            Transient,
	CodeInterrupted:         Transient,
	CodeAuth:                Permanent,
	CodeMalformedCredential: Permanent,
	CodeNotFound:            Permanent,
	CodeCancelled:           Permanent,
	CodeMalformedRecord:     Item,
	CodeUnauthorizedWebhook: Routing,
	CodePayloadTooLarge:     Routing,
}

var messages = map[Code]string{
	CodeTimeout:             "The code host did not respond in time.",
	CodeRateLimited:         "The code host rate limit was exhausted.",
	CodeUpstreamUnavailable: "The code host is temporarily unavailable.",
	CodeResourceLimit:       "The code host rejected the request as too large.",
	CodeAuth:                "The integration credentials were rejected. Please reconnect the integration.",
	CodeMalformedCredential: "The integration credentials are invalid. Please reconnect the integration.",
	CodeNotFound:            "The repository could not be found or is no longer accessible.",
	CodeMalformedRecord:     "A record returned by the code host could not be processed.",
	CodeUnauthorizedWebhook: "Webhook signature verification failed.",
	CodePayloadTooLarge:     "Webhook payload exceeds the allowed size.",
	CodeCancelled:           "The run was cancelled by an operator.",
	CodeInterrupted:         "The sync was interrupted before it finished.",
	CodeInternal:            "An internal error occurred while syncing.",
}

// Error is a classified failure. Err holds the raw cause and must only be logged.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code of err. Context cancellation maps to CodeCancelled,
// context deadline to CodeTimeout, and anything unclassified to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeInternal
}

// CategoryOf returns the category of err.
func CategoryOf(err error) Category {
	return CategoryFor(CodeOf(err))
}

// CategoryFor returns the category of a code. Unknown codes are transient.
func CategoryFor(code Code) Category {
	if c, ok := categories[code]; ok {
		return c
	}
	return Transient
}

// Message returns the sanitized user-facing text for a code.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeInternal]
}

// SanitizedMessage is Message(CodeOf(err)).
func SanitizedMessage(err error) string {
	return Message(CodeOf(err))
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && CategoryOf(err) == Transient
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
