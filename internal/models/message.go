package models

import "time"

// Message is one document in a conversation collection. Sender and
// creation time are immutable after creation; text and the edited flag
// are mutable by the sender only; the read flag is flipped false→true by
// the recipient only.
type Message struct {
	// ID is the document key, not stored inside the document body.
	ID string `json:"-"`

	SenderID string `json:"senderId"`
	Text     string `json:"text,omitempty"`
	Image    string `json:"image,omitempty"` // base64-encoded, compressed before persist

	// CreatedAt is assigned by the store's clock and may not have
	// resolved yet when a snapshot is delivered.
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	// Timestamp is the client-formatted display time (HH:MM).
	Timestamp string `json:"timestamp,omitempty"`

	Read   bool `json:"read"`
	Edited bool `json:"edited,omitempty"`
}
