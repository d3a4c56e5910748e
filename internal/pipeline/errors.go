// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package pipeline

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory categorizes errors for dead-letter routing and metrics.
type ErrorCategory int

const (
	// ErrorCategoryUnknown is the default category for unclassified errors.
	ErrorCategoryUnknown ErrorCategory = iota
	// ErrorCategoryConnection indicates network or connection failures.
	ErrorCategoryConnection
	// ErrorCategoryTimeout indicates operation timeout.
	ErrorCategoryTimeout
	// ErrorCategoryValidation indicates payload or contract violations.
	ErrorCategoryValidation
	// ErrorCategoryStorage indicates document store failures.
	ErrorCategoryStorage
	// ErrorCategoryRateLimit indicates upstream rate limiting.
	ErrorCategoryRateLimit
)

// String returns the string representation of the error category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryConnection:
		return "connection"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryValidation:
		return "validation"
	case ErrorCategoryStorage:
		return "storage"
	case ErrorCategoryRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// TransientError marks a failure that is safe to retry via queue
// redelivery: network errors, timeouts, rate limits, storage outages.
type TransientError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewTransientError creates a transient error, inferring a category from
// the message when possible.
func NewTransientError(message string, cause error) *TransientError {
	return &TransientError{
		Message:  message,
		Cause:    cause,
		Category: categorizeMessage(message),
	}
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PermanentError marks a failure that will never resolve on retry:
// malformed payloads, contract-violating extraction responses, business
// rule violations. Permanently failed events are dead-lettered.
type PermanentError struct {
	Message  string
	Cause    error
	Category ErrorCategory
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, cause error) *PermanentError {
	category := categorizeMessage(message)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryValidation
	}
	return &PermanentError{
		Message:  message,
		Cause:    cause,
		Category: category,
	}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether the error is classified transient.
// Unclassified errors default to transient: redelivery is the safe
// outcome when the failure mode is unknown.
func IsTransient(err error) bool {
	return !IsPermanent(err)
}

// IsPermanent reports whether the error is classified permanent.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

// CategoryOf extracts the category from a classified error.
func CategoryOf(err error) ErrorCategory {
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return transErr.Category
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return permErr.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	return ErrorCategoryUnknown
}

func categorizeMessage(message string) ErrorCategory {
	m := strings.ToLower(message)
	switch {
	case containsAny(m, "rate limit", "too many requests", "429"):
		return ErrorCategoryRateLimit
	case containsAny(m, "timeout", "deadline", "timed out"):
		return ErrorCategoryTimeout
	case containsAny(m, "connection", "connect", "refused", "reset", "network", "unavailable"):
		return ErrorCategoryConnection
	case containsAny(m, "invalid", "validation", "malformed", "parse", "contract", "schema"):
		return ErrorCategoryValidation
	case containsAny(m, "store", "storage", "badger", "txn"):
		return ErrorCategoryStorage
	default:
		return ErrorCategoryUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
