package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"chat-realtime/internal/observability"
)

// ConnInfo describes who is behind a connection, for logs and lifecycle
// events.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	ConnectedAt time.Time
}

func newConnInfo(r *http.Request, userID string) ConnInfo {
	requestID := observability.RequestIDFromRequest(r)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(r),
		IP:          observability.IPFromRequest(r),
		RequestID:   requestID,
		ConnectedAt: time.Now().UTC(),
	}
}
