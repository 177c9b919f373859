package models

// SessionPayload is what the session store keeps per token. An empty UserID
// means the session is anonymous.
type SessionPayload struct {
	UserID string `json:"userId,omitempty"`
}
