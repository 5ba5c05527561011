// Package notifications persists notifications created from domain events,
// serves them over HTTP through a read-through cache and pushes them to
// connected clients.
package notifications

import "time"

// Notification is a stored message for one user.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
	// SourceID is the broker message id the notification was created from.
	SourceID *string `json:"sourceId,omitempty"`
}

// Deleted identifies a notification removed by retention.
type Deleted struct {
	ID     int64
	UserID string
}

// CreateParams are the inputs of Service.Create.
type CreateParams struct {
	UserID   string
	Message  string
	Type     string
	SourceID string
}
