package contextkey

// Key is the type for context keys shared across packages.
// A named type avoids collisions with keys defined elsewhere.
type Key string

const (
	// ContextKeyRequestID carries the per-request UUID assigned by the
	// request ID middleware.
	ContextKeyRequestID Key = "request_id"

	// ContextKeyUserID carries the authenticated user ID extracted from
	// the handshake token.
	ContextKeyUserID Key = "user_id"
)
