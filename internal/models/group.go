package models

import "time"

// Group is the conversation a room is keyed by. Rooms themselves are
// ephemeral; this is the persisted metadata behind them.
type Group struct {
	ID             string     `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	LastActivityAt *time.Time `db:"last_activity_at" json:"lastActivityAt,omitempty"`
}
