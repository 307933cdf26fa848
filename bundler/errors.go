package bundler

import "errors"

// JSON-RPC error codes surfaced by the HTTP dispatcher. Validation and
// internal failures share code 500; callers tell them apart by message.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = 500
)

var (
	// ErrInvalidEntrypoint is returned when a caller targets an entry point
	// other than the configured one.
	ErrInvalidEntrypoint = errors.New("invalid entry point")

	// ErrRejected wraps a validation rejection. Rejections are caller errors
	// and are never retried by the service.
	ErrRejected = errors.New("operation rejected")

	// ErrTransient marks infrastructure failures (chain RPC unreachable, fee
	// oracle down). Callers should retry; the pool state is unaffected.
	ErrTransient = errors.New("transient chain error")
)
