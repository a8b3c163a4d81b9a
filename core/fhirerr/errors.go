// Package fhirerr defines the closed error taxonomy shared by every layer
// of the storage core: resource, concurrency, tenant, validation, search,
// transaction and backend errors. Each layer maps a lower layer's error
// into its own Kind only when the semantics change; otherwise the error
// is passed through unchanged.
package fhirerr

import (
	"errors"
	"fmt"
)

// Kind is the top-level error category. Kinds are closed: code outside
// this package must not introduce new ones.
type Kind string

// all supported top-level error kinds
const (
	KindResource     Kind = "resource"
	KindConcurrency  Kind = "concurrency"
	KindTenant       Kind = "tenant"
	KindValidation   Kind = "validation"
	KindSearch       Kind = "search"
	KindTransaction  Kind = "transaction"
	KindBackend      Kind = "backend"
)

// Code is the specific issue within a Kind.
type Code string

// resource codes
const (
	CodeNotFound      Code = "not-found"
	CodeAlreadyExists Code = "already-exists"
	CodeGone          Code = "gone"
	CodeVersionNotFound Code = "version-not-found"
)

// concurrency codes
const (
	CodeVersionConflict      Code = "version-conflict"
	CodeOptimisticLockFailed Code = "optimistic-lock-failure"
	CodeDeadlock             Code = "deadlock"
	CodeLockTimeout          Code = "lock-timeout"
)

// tenant codes
const (
	CodeAccessDenied       Code = "access-denied"
	CodeInvalidTenant      Code = "invalid-tenant"
	CodeTenantSuspended    Code = "tenant-suspended"
	CodeCrossTenantRef     Code = "cross-tenant-reference"
	CodeOperationNotAllowed Code = "operation-not-permitted"
)

// validation codes
const (
	CodeInvalidResource       Code = "invalid-resource"
	CodeInvalidSearchParam    Code = "invalid-search-parameter"
	CodeUnsupportedResource   Code = "unsupported-resource-type"
	CodeMissingRequiredField  Code = "missing-required-field"
	CodeInvalidReference      Code = "invalid-reference"
)

// search codes
const (
	CodeUnsupportedParamType   Code = "unsupported-parameter-type"
	CodeUnsupportedModifier    Code = "unsupported-modifier"
	CodeChainedSearchUnsup     Code = "chained-search-not-supported"
	CodeReverseChainUnsup      Code = "reverse-chain-not-supported"
	CodeIncludeUnsupported     Code = "include-not-supported"
	CodeTooManyResults         Code = "too-many-results"
	CodeInvalidCursor          Code = "invalid-cursor"
	CodeQueryParseError        Code = "query-parse-error"
	CodeInvalidComposite       Code = "invalid-composite"
	CodeTextSearchUnavailable  Code = "text-search-not-available"
)

// transaction codes
const (
	CodeTxTimeout                Code = "timeout"
	CodeRolledBack               Code = "rolled-back"
	CodeInvalidTransaction       Code = "invalid-transaction"
	CodeNestedNotSupported       Code = "nested-not-supported"
	CodeBundleError              Code = "bundle-error"
	CodeMultipleMatches          Code = "multiple-matches"
	CodeUnsupportedIsolationLevel Code = "unsupported-isolation-level"
)

// backend codes
const (
	CodeUnavailable        Code = "unavailable"
	CodeConnectionFailed   Code = "connection-failed"
	CodePoolExhausted      Code = "pool-exhausted"
	CodeUnsupportedCapability Code = "unsupported-capability"
	CodeMigrationError     Code = "migration-error"
	CodeInternal           Code = "internal"
	CodeQueryError         Code = "query-error"
	CodeSerializationError Code = "serialization-error"
)

// Error is the concrete error type for every layer in the storage core.
// It is comparable by Kind/Code with errors.Is via Is, and unwraps to its
// cause with errors.As/errors.Unwrap.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Count is populated for errors that carry a cardinality, e.g.
	// multiple-matches.
	Count int
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s/%s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same Kind and Code.
// This lets callers write errors.Is(err, fhirerr.NotFound("", "")) style
// checks, but the idiomatic check is Is(err, Kind, Code) below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Code == other.Code
}

// New creates a new *Error of the given kind/code with a formatted message.
func New(kind Kind, code Code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new *Error that wraps cause.
func Wrap(kind Kind, code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Is reports whether err is a *fhirerr.Error of the given kind and code.
func Is(err error, kind Kind, code Code) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == kind && fe.Code == code
}

// IsKind reports whether err is a *fhirerr.Error of the given kind,
// regardless of code.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Kind == kind
}

// Retriable reports whether the core itself is allowed to retry the
// operation that produced err. Only deadlock and backend-unavailable-on-read
// are retriable per the propagation policy; callers retrying on read must
// still check the operation was a read.
func Retriable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	return (fe.Kind == KindConcurrency && fe.Code == CodeDeadlock) ||
		(fe.Kind == KindBackend && fe.Code == CodeUnavailable)
}

// Convenience constructors for the most frequently raised errors.

// NotFound builds a resource/not-found error.
func NotFound(resourceType, id string) *Error {
	return New(KindResource, CodeNotFound, "%s/%s not found", resourceType, id)
}

// AlreadyExists builds a resource/already-exists error.
func AlreadyExists(resourceType, id string) *Error {
	return New(KindResource, CodeAlreadyExists, "%s/%s already exists", resourceType, id)
}

// Gone builds a resource/gone error.
func Gone(resourceType, id string) *Error {
	return New(KindResource, CodeGone, "%s/%s is deleted", resourceType, id)
}

// VersionConflict builds a concurrency/version-conflict error.
func VersionConflict(resourceType, id, expected, actual string) *Error {
	return New(KindConcurrency, CodeVersionConflict,
		"%s/%s: expected version %s, current version is %s", resourceType, id, expected, actual)
}

// AccessDenied builds a tenant/access-denied error.
func AccessDenied(tenant, resourceTenant string) *Error {
	return New(KindTenant, CodeAccessDenied, "tenant %s may not access resources of tenant %s", tenant, resourceTenant)
}

// OperationNotPermitted builds a tenant/operation-not-permitted error.
func OperationNotPermitted(op, resourceType string) *Error {
	return New(KindTenant, CodeOperationNotAllowed, "operation %s on %s is not permitted", op, resourceType)
}

// MultipleMatches builds a transaction/multiple-matches error carrying the count.
func MultipleMatches(count int) *Error {
	e := New(KindTransaction, CodeMultipleMatches, "conditional operation matched %d resources, expected at most 1", count)
	e.Count = count
	return e
}

// InvalidCursor builds a search/invalid-cursor error.
func InvalidCursor(cause error) *Error {
	return Wrap(KindSearch, CodeInvalidCursor, cause, "malformed pagination cursor")
}

// UnsupportedModifier builds a search/unsupported-modifier error.
func UnsupportedModifier(paramType, modifier string) *Error {
	return New(KindSearch, CodeUnsupportedModifier, "modifier %q is not supported for parameter type %q", modifier, paramType)
}
