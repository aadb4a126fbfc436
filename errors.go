package graphkb

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no node matches the requested identifier.
	ErrNotFound = errors.New("record not found")

	// ErrAmbiguousID is returned by lookups that expect a single node but matched several.
	ErrAmbiguousID = errors.New("identifier matched more than one node")

	// ErrTransport marks failures to submit a query or reach the attribute endpoint.
	// Use errors.Is to tell "could not ask" apart from "no match".
	ErrTransport = errors.New("store transport failure")

	// ErrUnexpectedResponse is returned when the store answers with a shape this layer cannot read.
	ErrUnexpectedResponse = errors.New("unexpected store response")

	// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrInvalidArgument is returned for identifiers, type tags or page sizes that fail validation.
	ErrInvalidArgument = errors.New("invalid argument")
)

// FunctionalError is a domain-level failure carrying a human-readable message.
// It is the error surfaced to API consumers, e.g. when deleting an entity that does not exist.
type FunctionalError struct {
	Message string
	Err     error
}

// NewFunctionalError builds a FunctionalError wrapping err.
func NewFunctionalError(message string, err error) *FunctionalError {
	return &FunctionalError{Message: message, Err: err}
}

func (e *FunctionalError) Error() string {
	return e.Message
}

func (e *FunctionalError) Unwrap() error {
	return e.Err
}

// TransportError records the query (or attribute path) whose submission failed.
type TransportError struct {
	Query string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("store query failed: %v", e.Err)
}

// Unwrap exposes both ErrTransport and the underlying cause.
func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// MaterializationError reports a malformed attribute record.
type MaterializationError struct {
	Label  string
	Reason string
}

func (e *MaterializationError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("malformed attribute record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed attribute %q: %s", e.Label, e.Reason)
}
