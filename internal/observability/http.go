package observability

import (
	"net"
	"net/http"
	"strings"
)

// Browsers cannot attach custom headers to a WebSocket upgrade, so every
// lookup below falls back to a query parameter of the same meaning.

func DeviceIDFromRequest(r *http.Request) string {
	return headerOrQuery(r, "X-Device-Id", "deviceId")
}

func RequestIDFromRequest(r *http.Request) string {
	return headerOrQuery(r, "X-Request-Id", "requestId")
}

// IPFromRequest returns the first hop of X-Forwarded-For, then X-Real-IP,
// then the socket peer.
func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func headerOrQuery(r *http.Request, header, param string) string {
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(param))
}
