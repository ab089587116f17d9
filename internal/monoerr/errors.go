// Package monoerr defines the error-kind vocabulary shared by every layer
// of the engine, from page I/O up through command dispatch.
package monoerr

import "fmt"

// Kind identifies a class of failure. Kinds double as MongoDB-style error
// codeNames at the wire boundary.
type Kind string

const (
	BadValue          Kind = "BadValue"
	InvalidNamespace  Kind = "InvalidNamespace"
	InvalidIdField    Kind = "InvalidIdField"
	DuplicateKey      Kind = "DuplicateKey"
	IllegalOperation  Kind = "IllegalOperation"
	CursorNotFound    Kind = "CursorNotFound"
	CommandNotFound   Kind = "CommandNotFound"
	InternalError     Kind = "InternalError"
	FileNotOpen       Kind = "FileNotOpen"
	FileCorrupted     Kind = "FileCorrupted"
	InvalidMagic      Kind = "InvalidMagic"
	InvalidVersion    Kind = "InvalidVersion"
	PageNotFound      Kind = "PageNotFound"
	PageCorrupted     Kind = "PageCorrupted"
	ChecksumMismatch  Kind = "ChecksumMismatch"
	WALCorrupted      Kind = "WALCorrupted"
	OutOfSpace        Kind = "OutOfSpace"
	ProtocolError     Kind = "ProtocolError"
	DeadlockDetected  Kind = "DeadlockDetected"
	CannotCreateIndex Kind = "CannotCreateIndex"
)

// code assigns each kind a MongoDB-compatible numeric error code. Unlisted
// kinds default to 1 (InternalError's historical code).
var code = map[Kind]int32{
	BadValue:          2,
	InvalidNamespace:  73,
	InvalidIdField:    53,
	DuplicateKey:      11000,
	IllegalOperation:  20,
	CursorNotFound:    43,
	CommandNotFound:   59,
	InternalError:     1,
	FileNotOpen:       1,
	FileCorrupted:     1,
	InvalidMagic:      1,
	InvalidVersion:    1,
	PageNotFound:      1,
	PageCorrupted:     1,
	ChecksumMismatch:  1,
	WALCorrupted:      1,
	OutOfSpace:        14,
	ProtocolError:     148,
	DeadlockDetected:  46841,
	CannotCreateIndex: 67,
}

// Error is the engine's single error type. It is comparable with errors.Is
// by Kind and carries optional key pattern/value context for DuplicateKey.
type Error struct {
	Kind       Kind
	Message    string
	KeyPattern map[string]int
	KeyValue   map[string]interface{}
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is lets errors.Is(err, monoerr.New(KindX, "")) match by kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Code returns the MongoDB-compatible numeric error code for this kind.
func (e *Error) Code() int32 {
	if c, ok := code[e.Kind]; ok {
		return c
	}
	return 1
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, wrapped error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Wrapped: wrapped}
}

// DuplicateKeyErr builds a DuplicateKey error carrying the offending index
// pattern and value, as required by the collection write path.
func DuplicateKeyErr(indexName string, keyPattern map[string]int, keyValue map[string]interface{}) *Error {
	return &Error{
		Kind:       DuplicateKey,
		Message:    fmt.Sprintf("E11000 duplicate key error index: %s", indexName),
		KeyPattern: keyPattern,
		KeyValue:   keyValue,
	}
}

// KindOf extracts the Kind from any error produced by this package,
// defaulting to InternalError for anything else.
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return InternalError
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
