package models

import "time"

// SenderType identifies which side of the conversation authored a message.
type SenderType string

const (
	SenderClient   SenderType = "CLIENT"
	SenderOperator SenderType = "OPERATOR"
)

// MessageMetadata carries optional AI enrichment attached to a message.
// The field set is closed so the reconciliation logic stays total over it.
type MessageMetadata struct {
	Transcription    string `json:"transcription,omitempty"`
	ImageDescription string `json:"imageDescription,omitempty"`
}

// Empty reports whether no metadata field is set.
func (m *MessageMetadata) Empty() bool {
	return m == nil || (m.Transcription == "" && m.ImageDescription == "")
}

// ChatMessage is a single message in a ticket conversation.
//
// A message is optimistic from local creation until the authoritative copy
// with a server-assigned ID arrives. Optimistic entries carry a locally
// unique correlation key so the confirmed copy can supersede exactly one
// draft; server IDs are zero until confirmation.
type ChatMessage struct {
	ID         int64            `json:"id,omitempty"`
	TicketID   int64            `json:"ticketId"`
	SenderType SenderType       `json:"senderType"`
	SenderName string           `json:"senderName,omitempty"`
	Text       string           `json:"message"`
	ImageURL   string           `json:"imageUrl,omitempty"`
	AudioURL   string           `json:"audioUrl,omitempty"`
	Metadata   *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`

	// Client-side reconciliation state; never sent to the server.
	Optimistic     bool   `json:"-"`
	CorrelationKey string `json:"correlationKey,omitempty"`
}

// Confirmed reports whether the message has a server-assigned ID.
func (m *ChatMessage) Confirmed() bool {
	return m.ID != 0
}
