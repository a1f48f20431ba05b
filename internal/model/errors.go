package model

import (
	"maps"
	"reflect"
	"strings"
)

// Kind is the machine-readable classification of an Error.
type Kind string

const (
	// KindInternal is used for failures that carry no more specific kind.
	KindInternal Kind = "Internal"

	// KindBind marks listen-socket failures (address in use, permission
	// denied). These are the only fatal failures of the dispatcher.
	KindBind Kind = "BindError"

	// KindDirectoryUnavailable marks a failed connect or list against the
	// process manager.
	KindDirectoryUnavailable Kind = "DirectoryUnavailable"

	// KindScanFailed marks a failed read of the host socket table.
	KindScanFailed Kind = "ScanFailed"

	// KindRangeExhausted marks a booking attempt where every port of the
	// range was excluded.
	KindRangeExhausted Kind = "RangeExhausted"

	// KindNoTargetFound marks a domain that no process claims and for which
	// no discovery range was supplied.
	KindNoTargetFound Kind = "NoTargetFound"

	// KindTransport marks a backend forward that failed after a target was
	// chosen.
	KindTransport Kind = "TransportError"

	// KindRequest marks a malformed or unauthorized client request.
	KindRequest Kind = "RequestError"

	// KindConfig marks an invalid configuration.
	KindConfig Kind = "ConfigError"
)

// Sentinels for errors.Is. An *Error matches a sentinel when their kinds are
// equal; the sentinel's message is never compared.
var (
	ErrBind                 = &Error{Kind: KindBind}
	ErrDirectoryUnavailable = &Error{Kind: KindDirectoryUnavailable}
	ErrScanFailed           = &Error{Kind: KindScanFailed}
	ErrRangeExhausted       = &Error{Kind: KindRangeExhausted}
	ErrNoTargetFound        = &Error{Kind: KindNoTargetFound}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrRequest              = &Error{Kind: KindRequest}
	ErrConfig               = &Error{Kind: KindConfig}
)

// Data is contextual information attached to an Error.
type Data map[string]any

// Error is a tagged, chainable failure value. It has either a single Cause,
// a list of Causes (see WrapMulti), or neither.
//
// Errors are created by the component that observes a failure and wrapped
// by each layer that adds context on the way up. Wrap merges into an
// existing Error instead of adding a chain node whenever the new context
// agrees with it, so a chain only grows when a layer changes the kind or
// the message. Only the dispatcher turns an Error into an HTTP status; the
// CLI turns it into an exit code.
type Error struct {
	// Kind classifies the failure; errors.Is matches it against the
	// Err* sentinels.
	Kind Kind

	// Message is the human-readable description of this layer.
	Message string

	// Data is structured context (domain, port, backend...). It is
	// rendered by the log observer, never by Error.
	Data Data

	// Cause is the error this one wraps, if any.
	Cause error

	// Causes holds independent failures reported together by WrapMulti.
	Causes []error
}

// New creates an Error with no cause. data is copied.
func New(kind Kind, message string, data Data) *Error {
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Message: message, Data: cloneData(data)}
}

// Wrap attaches kind, message and data to err.
//
// When err is already an *Error that does not conflict with the supplied
// values, data is merged into it and the same instance is returned; no new
// chain node is created. A conflict is an explicit kind or message that
// differs from the existing one, or a data key present on both sides with
// different values.
//
// Otherwise a new Error is returned with err as its Cause. An empty kind
// defaults to the kind of err (KindInternal for foreign errors), an empty
// message to the message of err.
func Wrap(err error, kind Kind, message string, data Data) *Error {
	if err == nil {
		return New(kind, message, data)
	}

	if e, ok := err.(*Error); ok && !e.conflicts(kind, message, data) {
		if len(data) > 0 {
			if e.Data == nil {
				e.Data = make(Data, len(data))
			}
			maps.Copy(e.Data, data)
		}
		return e
	}

	if kind == "" {
		kind = KindInternal
		if e, ok := err.(*Error); ok {
			kind = e.Kind
		}
	}
	if message == "" {
		message = messageOf(err)
	}

	return &Error{Kind: kind, Message: message, Data: cloneData(data), Cause: err}
}

// WrapMulti reports several independent failures as one Error. The order of
// errs is preserved; nil entries are dropped.
func WrapMulti(errs []error, kind Kind, message string, data Data) *Error {
	causes := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			causes = append(causes, err)
		}
	}

	e := New(kind, message, data)
	e.Causes = causes
	return e
}

// Flatten walks the cause chain of err depth-first, causes before effects,
// and returns every error it meets with err itself last. When mapFn is not
// nil each error is passed through it and nil results are dropped.
func Flatten(err error, mapFn func(error) error) []error {
	var out []error

	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if e, ok := err.(*Error); ok {
			walk(e.Cause)
			for _, c := range e.Causes {
				walk(c)
			}
		}
		if mapFn != nil {
			err = mapFn(err)
			if err == nil {
				return
			}
		}
		out = append(out, err)
	}

	walk(err)
	return out
}

// Error renders the message followed by the cause chain, skipping causes
// whose message repeats the one above them.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}

	switch {
	case e.Cause != nil:
		if cm := messageOf(e.Cause); cm != msg {
			return msg + ": " + e.Cause.Error()
		}
		if inner, ok := e.Cause.(*Error); ok && (inner.Cause != nil || len(inner.Causes) > 0) {
			return inner.Error()
		}
		return msg
	case len(e.Causes) > 0:
		parts := make([]string, 0, len(e.Causes))
		for _, c := range e.Causes {
			parts = append(parts, c.Error())
		}
		return msg + ": [" + strings.Join(parts, "; ") + "]"
	default:
		return msg
	}
}

// Unwrap exposes Cause or Causes to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Cause}
	}
	return e.Causes
}

// Is matches kind sentinels such as ErrNoTargetFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	return t.Kind == e.Kind
}

// conflicts reports whether kind, message or data disagree with e.
func (e *Error) conflicts(kind Kind, message string, data Data) bool {
	if kind != "" && kind != e.Kind {
		return true
	}
	if message != "" && message != e.Message {
		return true
	}
	for key, value := range data {
		if existing, ok := e.Data[key]; ok && !reflect.DeepEqual(existing, value) {
			return true
		}
	}
	return false
}

// KindOf returns the kind of the outermost *Error in err, or KindInternal.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}

func messageOf(err error) string {
	if e, ok := err.(*Error); ok {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return err.Error()
}

func cloneData(data Data) Data {
	if data == nil {
		return Data{}
	}
	return maps.Clone(data)
}
