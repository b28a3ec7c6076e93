package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies failures across every subsystem.
type Kind string

// Error kinds shared by the client, runner, auth flows, proxy pool, and storage.
const (
	KindConfiguration     Kind = "configuration"
	KindAuthTimeout       Kind = "auth-timeout"
	KindAuthRequired      Kind = "auth-required"
	KindProxyExhausted    Kind = "proxy-exhausted"
	KindRateLimited       Kind = "rate-limited"
	KindDataFetch         Kind = "data-fetch-error"
	KindNetwork           Kind = "network"
	KindMalformedResponse Kind = "malformed-response"
	KindNotFound          Kind = "not-found"
	KindForbidden         Kind = "forbidden"
	KindStorage           Kind = "storage"
	KindCancelled         Kind = "cancelled"
	KindUnknownCacheType  Kind = "unknown-cache-type"
	KindUnknown           Kind = "unknown"
)

// Data-fetch subkinds, classified per platform.
const (
	SubkindRetryable = "retryable"
	SubkindTerminal  = "terminal"
)

// Error is the typed error carried through the engine.
type Error struct {
	Kind    Kind
	Subkind string
	Op      string
	Err     error
}

// Sentinels for errors.Is matching on Kind only.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrAuthTimeout       = &Error{Kind: KindAuthTimeout}
	ErrAuthRequired      = &Error{Kind: KindAuthRequired}
	ErrProxyExhausted    = &Error{Kind: KindProxyExhausted}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrDataFetch         = &Error{Kind: KindDataFetch}
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrStorage           = &Error{Kind: KindStorage}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrUnknownCacheType  = &Error{Kind: KindUnknownCacheType}
)

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a formatted message.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// DataFetchError builds a data-fetch-error with the given subkind.
func DataFetchError(op, subkind, detail string) *Error {
	return &Error{Kind: KindDataFetch, Subkind: subkind, Op: op, Err: errors.New(detail)}
}

func (e *Error) Error() string {
	kind := string(e.Kind)
	if e.Subkind != "" {
		kind = fmt.Sprintf("%s(%s)", e.Kind, e.Subkind)
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, kind)
	default:
		return kind
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, and by Subkind when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Subkind == "" || t.Subkind == e.Subkind
}

// KindOf classifies any error into the shared taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Retryable reports whether a request failing with err may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	case KindDataFetch:
		var typed *Error
		if errors.As(err, &typed) {
			return typed.Subkind == SubkindRetryable
		}
		return false
	default:
		return false
	}
}
