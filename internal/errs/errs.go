// Package errs defines the error taxonomy shared by the store, the query
// layer, the dispatcher and the HTTP surface.
//
// Storage and upstream failures are sentinel-tagged so callers can classify
// them with errors.Is while keeping the original cause in the chain.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstream tags failures of a provider call, including calls that
	// returned nothing usable.
	ErrUpstream = errors.New("upstream failure")

	// ErrStorage tags relational store and blob store failures.
	ErrStorage = errors.New("storage failure")

	// ErrValidation tags malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")

	// ErrConsistency tags a should-be-unique lookup that matched several rows.
	ErrConsistency = errors.New("consistency violation")
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// NotFound returns a *NotFoundError for entity/id.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// UnsupportedProviderError reports a provider tag outside the closed set.
type UnsupportedProviderError struct {
	Tag string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Tag)
}

// UnsupportedProvider returns an *UnsupportedProviderError for tag.
func UnsupportedProvider(tag string) error {
	return &UnsupportedProviderError{Tag: tag}
}

type tagged struct {
	kind error
	msg  string
	err  error
}

func (e *tagged) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *tagged) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Upstream tags err as an upstream failure. A nil err yields a failure for
// an empty provider result.
func Upstream(err error) error {
	if err == nil {
		return &tagged{kind: ErrUpstream, msg: "upstream failure: provider returned no result"}
	}
	return &tagged{kind: ErrUpstream, msg: "upstream failure", err: err}
}

// Storage tags err as a storage failure of op.
func Storage(op string, err error) error {
	return &tagged{kind: ErrStorage, msg: "storage failure: " + op, err: err}
}

// Validation returns a validation failure with the given message.
func Validation(format string, args ...any) error {
	return &tagged{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// ProviderConfig tags a provider constructor failure as a validation error.
// The inputs come from the model's config or the caller's headers.
func ProviderConfig(kind string, err error) error {
	return &tagged{kind: ErrValidation, msg: "invalid " + kind + " provider configuration", err: err}
}

// Consistency reports that a unique lookup of entity/id matched n rows.
func Consistency(entity, id string, n int) error {
	return &tagged{kind: ErrConsistency, msg: fmt.Sprintf("%s %q matched %d rows", entity, id, n)}
}

// IsNotFound reports whether err carries a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// AsNotFound returns the *NotFoundError in err's chain, if any.
func AsNotFound(err error) (*NotFoundError, bool) {
	var nf *NotFoundError
	ok := errors.As(err, &nf)
	return nf, ok
}

// IsUnsupportedProvider reports whether err carries an *UnsupportedProviderError.
func IsUnsupportedProvider(err error) bool {
	var up *UnsupportedProviderError
	return errors.As(err, &up)
}
