package transport

import (
	stderrors "errors"
	"strings"

	"github.com/hoppyshare/hoppyshare-ble/chunk"
	"github.com/hoppyshare/hoppyshare-ble/envelope"
	"github.com/hoppyshare/hoppyshare-ble/groupkey"
)

// Kind categorises transport errors so callers can decide whether to retry.
type Kind uint8

const (
	// KindConfiguration: identity or key material missing or unusable. No retry.
	KindConfiguration Kind = iota + 1
	// KindRadioUnavailable: radio off, unsupported, or refused a resource. Retry after user action.
	KindRadioUnavailable
	// KindPermission: a runtime permission is missing. Missing lists which.
	KindPermission
	// KindNotRunning: the operation needs a running transport.
	KindNotRunning
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindRadioUnavailable:
		return "radio unavailable"
	case KindPermission:
		return "permission"
	case KindNotRunning:
		return "not running"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Msg     string
	Missing []string
	Inner   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "transport: " + e.Kind.String()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if len(e.Missing) > 0 {
		msg += " (missing " + strings.Join(e.Missing, ", ") + ")"
	}
	if e.Inner != nil {
		msg += ": " + e.Inner.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Inner }

// Is matches the bare sentinels below by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Inner == nil && t.Kind == e.Kind
}

var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrRadioUnavailable = &Error{Kind: KindRadioUnavailable}
	ErrPermission       = &Error{Kind: KindPermission}
	ErrNotRunning       = &Error{Kind: KindNotRunning}
)

func newError(kind Kind, msg string, inner error) *Error {
	return &Error{Kind: kind, Msg: msg, Inner: inner}
}

func IsKind(err error, kind Kind) bool {
	var te *Error
	if stderrors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Per-chunk and per-message errors come from the codec packages. They are
// logged and dropped inside the event loop, never returned from Start.
type (
	MalformedChunkError = chunk.MalformedChunkError
	IntegrityError      = envelope.IntegrityError
	KeyUnwrapError      = groupkey.KeyUnwrapError
)
