// Package monoerr defines the MonoError envelope used across every layer
// of MonoDB, from the storage engine up to the wire protocol boundary
// (spec.md §6, §7). It follows the teacher's (Giulio2002/gdbx) Error shape
// — a code, a message, and an optional wrapped cause — generalized from
// MDBX's C-library error codes to MongoDB-compatible wire codes.
package monoerr

import (
	"errors"
	"fmt"
)

// Code is a MongoDB-compatible numeric error code.
type Code int32

// Error codes named in spec.md §6/§7. Values match the real MongoDB wire
// protocol so client drivers expecting those codes behave correctly.
const (
	CodeOK                  Code = 0
	CodeInternalError       Code = 1
	CodeBadValue            Code = 2
	CodeNamespaceNotFound   Code = 26
	CodeIndexNotFound       Code = 27
	CodeGraphContainsCycle  Code = 5
	CodeProtocolError       Code = 17
	CodeDuplicateKey        Code = 11000
	CodeCommandNotFound     Code = 59
	CodeTypeMismatch        Code = 14
	CodeConflictingUpdate   Code = 40
	CodeDocumentTooLarge    Code = 17419
	CodeNoSuchTransaction   Code = 251
	CodeTransactionCommitted Code = 256
	CodeTransactionAborted  Code = 263
	CodeLockTimeout         Code = 24
	CodeInvalidNamespace    Code = 73
	CodeFailedToParse       Code = 9
	CodeIndexOptionsConflict Code = 85
	CodeOperationFailed     Code = 96
	CodeInvalidOptions      Code = 72
)

// codeNames maps each Code to its canonical MongoDB codeName string,
// returned in the error envelope alongside the numeric code.
var codeNames = map[Code]string{
	CodeOK:                   "OK",
	CodeInternalError:        "InternalError",
	CodeBadValue:             "BadValue",
	CodeNamespaceNotFound:    "NamespaceNotFound",
	CodeIndexNotFound:        "IndexNotFound",
	CodeGraphContainsCycle:   "GraphContainsCycle",
	CodeProtocolError:        "ProtocolError",
	CodeDuplicateKey:         "DuplicateKey",
	CodeCommandNotFound:      "CommandNotFound",
	CodeTypeMismatch:         "TypeMismatch",
	CodeConflictingUpdate:    "ConflictingUpdateOperators",
	CodeDocumentTooLarge:     "DocumentTooLarge",
	CodeNoSuchTransaction:    "NoSuchTransaction",
	CodeTransactionCommitted: "TransactionCommitted",
	CodeTransactionAborted:   "TransactionAborted",
	CodeLockTimeout:          "LockTimeout",
	CodeInvalidNamespace:     "InvalidNamespace",
	CodeFailedToParse:        "FailedToParse",
	CodeIndexOptionsConflict: "IndexOptionsConflict",
	CodeOperationFailed:      "OperationFailed",
	CodeInvalidOptions:       "InvalidOptions",
}

// Name returns the canonical codeName for c, or "Error" if unknown.
func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Error"
}

// Error is the MonoError envelope: a code, a human message, and an
// optional wrapped cause. Commands translate one of these into the BSON
// error envelope {ok:0, errmsg, code, codeName} at the wire boundary.
type Error struct {
	Code    Code
	Message string
	Err     error

	// Fatal marks an error as fatal to the process (spec.md §7): a
	// checksum mismatch on a live page read, or an unrecoverable WAL
	// replay failure. Recoverable errors leave Fatal false.
	Fatal bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code.Name(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code.Name(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a non-fatal Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a non-fatal Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Internal builds a fatal InternalError, used when on-disk state cannot be
// trusted (e.g. a page checksum mismatch, spec.md §7).
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternalError, Message: message, Err: err, Fatal: true}
}

// DuplicateKey builds the duplicate-key error carrying the offending index
// pattern and value, per spec.md end-to-end scenario 2.
func DuplicateKey(indexName string, keyPattern, keyValue fmt.Stringer) *Error {
	return &Error{
		Code:    CodeDuplicateKey,
		Message: fmt.Sprintf("E11000 duplicate key error index: %s dup key: { %s: %s }", indexName, keyPattern, keyValue),
	}
}

// Envelope is the wire-level {ok, errmsg, code, codeName} shape (spec.md
// §6). Command handlers translate an *Error into one of these for the
// BSON reply.
type Envelope struct {
	Ok      float64
	ErrMsg  string
	Code    int32
	CodeName string
}

// ToEnvelope converts e into its wire reply shape.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{
		Ok:       0,
		ErrMsg:   e.Error(),
		Code:     int32(e.Code),
		CodeName: e.Code.Name(),
	}
}

// As reports whether err is (or wraps) a *Error and returns it.
func As(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
