package marketplace

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// ============================================================================
// INTERFACES - contracts between the session core and its collaborators
// ============================================================================

// TokenStorage is durable client-side key-value storage for session tokens
type TokenStorage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(keys ...string) error
}

// Refresher exchanges a refresh token for a new credential pair.
// The returned token carries the new access token; RefreshToken is set only
// when the server rotated it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// SessionExpiredHandler routes the client to its unauthenticated entry point
// after an unrecoverable refresh failure.
type SessionExpiredHandler func(cause error)

// HTTPDoer is the transport used by the pipeline and refresher
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender is the narrow interface UI code uses to issue typed requests
type Sender interface {
	Send(ctx context.Context, spec RequestSpec) (*Response, error)
}
