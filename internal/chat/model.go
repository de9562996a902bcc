package chat

import "time"

// DefaultReceiverID is the single-room placeholder recipient.
const DefaultReceiverID int64 = 1

type ChatMessage struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is what read-only consumers see on the publish channel after a
// text is stored or a blob is written.
type Event struct {
	Kind       string    `json:"kind"` // "text", "file" or "image"
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	Name       string    `json:"name,omitempty"`
	Path       string    `json:"path,omitempty"`
	Size       int       `json:"size,omitempty"`
	At         time.Time `json:"at"`
}
