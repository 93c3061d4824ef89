package websocket

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// buildWebSocketURL maps a scope to its socket endpoint:
//
//	ws(s)://<host>/ws/chat/<id>/?token=<access>
//	ws(s)://<host>/ws/notifications/?token=<access>
//
// http and https bases are converted to ws and wss.
func buildWebSocketURL(base string, scope Scope, accessToken string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid websocket base URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket URL scheme %q", u.Scheme)
	}

	prefix := strings.TrimRight(u.Path, "/")
	switch scope.Kind {
	case ScopeNotifications:
		u.Path = prefix + "/ws/notifications/"
	case ScopeConversation:
		u.Path = prefix + "/ws/chat/" + strconv.FormatInt(scope.ID, 10) + "/"
	default:
		return "", fmt.Errorf("unknown scope kind %q", scope.Kind)
	}

	q := u.Query()
	q.Set("token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactToken strips the credential from a socket URL for logging
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
