// SPDX-License-Identifier: AGPL-3.0-only

// Package qerrors defines the typed error kinds that cross the query
// planning and execution boundary, and the plumbing to attach/extract them
// from an ordinary Go error chain.
package qerrors

import (
	"errors"
	"fmt"
)

// Type classifies a query-path error. The zero value is not a valid error.
type Type string

const (
	TypeQueryTimeout        Type = "query_timeout"
	TypeSampleLimitExceeded Type = "sample_limit_exceeded"
	TypeTooManyShardsQueried Type = "too_many_shards_queried"
	TypeSchemaConflict      Type = "schema_conflict"
	TypeBadQuery            Type = "bad_query"
	TypeShardNotAvailable   Type = "shard_not_available"
	TypeRemoteError         Type = "remote_error"
	TypeInternal            Type = "internal"
)

// QueryError is the typed error returned on the stream by any leaf or
// non-leaf operator, and by planners that refuse to materialize a plan.
type QueryError struct {
	Typ     Type
	Message string
	cause   error
}

func (e *QueryError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Typ, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Typ, e.Message)
}

func (e *QueryError) Unwrap() error { return e.cause }

// New creates a QueryError with a static message.
func New(typ Type, msg string) error {
	return &QueryError{Typ: typ, Message: msg}
}

// Newf creates a QueryError with a formatted message.
func Newf(typ Type, tmpl string, args ...interface{}) error {
	return New(typ, fmt.Sprintf(tmpl, args...))
}

// Wrap attaches typ to cause, preserving cause in the error chain.
func Wrap(typ Type, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &QueryError{Typ: typ, Message: msg, cause: cause}
}

// TypeOf returns the Type of err if it (or something it wraps) is a
// *QueryError, and fallback otherwise.
func TypeOf(err error, fallback Type) Type {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Typ
	}
	return fallback
}

// Is reports whether err carries the given Type anywhere in its chain.
func Is(err error, typ Type) bool {
	return TypeOf(err, "") == typ
}

var (
	// ErrShardAlreadySetup is returned by TimeSeriesMemStore.Setup when the
	// (dataset, shard) pair has already been set up; setup is otherwise
	// idempotent.
	ErrShardAlreadySetup = New(TypeInternal, "shard already set up for this dataset")
)
