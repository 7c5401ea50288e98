// Package nsfserr defines the error taxonomy every nsfs component surfaces
// across its boundary: low-level errno values are translated here and
// nowhere else.
package nsfserr

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Code is one of the nine error kinds spec §7 names. Callers outside the
// core should switch on Code, never on the wrapped cause.
type Code string

const (
	NoSuchObject          Code = "NO_SUCH_OBJECT"
	NoSuchUpload          Code = "NO_SUCH_UPLOAD"
	Unauthorized          Code = "UNAUTHORIZED"
	BucketAlreadyExists   Code = "BUCKET_ALREADY_EXISTS"
	BadRequest            Code = "BAD_REQUEST"
	StreamTimeout         Code = "IO_STREAM_ITEM_TIMEOUT"
	EncryptionUnsupported Code = "SERVER_SIDE_ENCRYPTION_CONFIGURATION_NOT_FOUND_ERROR"
	Internal              Code = "INTERNAL_ERROR"
	NotEmpty              Code = "NOT_EMPTY"
)

// Error is the structured error every exported Store method returns.
type Error struct {
	Code      Code
	Component string
	Operation string
	Bucket    string
	Key       string
	Cause     error
}

func (e *Error) Error() string {
	loc := e.Component
	if e.Operation != "" {
		loc = fmt.Sprintf("%s:%s", e.Component, e.Operation)
	}
	msg := fmt.Sprintf("[%s] %s", loc, e.Code)
	if e.Bucket != "" {
		msg += fmt.Sprintf(" bucket=%s", e.Bucket)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%s", e.Key)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, nsfserr.New(SomeCode, ...)) by comparing codes.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds an Error with the given code and component, optionally
// wrapping a cause.
func New(code Code, component, operation string, cause error) *Error {
	return &Error{Code: code, Component: component, Operation: operation, Cause: cause}
}

// WithPath annotates an Error with the bucket/key it occurred on.
func (e *Error) WithPath(bucket, key string) *Error {
	e.Bucket = bucket
	e.Key = key
	return e
}

// Has reports whether err carries the given Code, unwrapping as needed.
func Has(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// FromPathError translates a *fs.PathError / *os.LinkError / syscall.Errno
// produced by a filesystem call into the taxonomy, per spec §7's
// propagation policy. Unrecognized errors become Internal.
//
// EEXIST is deliberately NOT mapped to BucketAlreadyExists here: spec.md
// scopes that code strictly to EEXIST on bucket create, and CreateULS
// constructs it directly from its own pre-check rather than routing through
// FromPathError. Every other call site that can observe EEXIST (a write-race
// or retry-exhaustion on an object key, for instance) would otherwise be
// mislabeled as a bucket-creation conflict.
func FromPathError(component, operation string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return New(NoSuchObject, component, operation, err)
	case errors.Is(err, fs.ErrPermission):
		return New(Unauthorized, component, operation, err)
	case errors.Is(err, syscall.ENOTEMPTY):
		return New(NotEmpty, component, operation, err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return New(Unauthorized, component, operation, err)
	default:
		return New(Internal, component, operation, err)
	}
}
