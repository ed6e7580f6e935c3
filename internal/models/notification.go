package models

// Notification is a push message for one user.
type Notification struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
}
