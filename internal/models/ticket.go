// Package models defines data structures shared by the support widget and
// the operator dashboard.
package models

import "time"

// TicketStatus is the lifecycle status of a ticket as reported by the server.
type TicketStatus string

const (
	StatusOpen       TicketStatus = "OPEN"
	StatusInProgress TicketStatus = "IN_PROGRESS"
	StatusClosed     TicketStatus = "CLOSED"
)

// Rank orders statuses for the forward-only transition check. Unknown
// statuses rank below OPEN so they never overwrite a known state.
func (s TicketStatus) Rank() int {
	switch s {
	case StatusOpen:
		return 0
	case StatusInProgress:
		return 1
	case StatusClosed:
		return 2
	default:
		return -1
	}
}

// Priority is assigned server-side by the AI pipeline.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Sentiment is the AI-detected emotional tone of the first message.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
	SentimentNegative Sentiment = "NEGATIVE"
)

// Ticket is a support case owned by the server. The client only holds a
// cached copy; all AI-derived fields (summary, sentiment, priority,
// suggested answer) are opaque pass-through values.
type Ticket struct {
	ID        int64        `json:"id"`
	ProjectID int64        `json:"projectId,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Status    TicketStatus `json:"status"`
	Closed    bool         `json:"isClosed"`

	OriginalText string `json:"originalText,omitempty"`
	AudioURL     string `json:"audioUrl,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`

	TranscribedText string    `json:"transcribedText,omitempty"`
	AISummary       string    `json:"aiSummary,omitempty"`
	Sentiment       Sentiment `json:"sentiment,omitempty"`
	SentimentScore  float64   `json:"sentimentScore,omitempty"`
	Priority        Priority  `json:"priority,omitempty"`
	SuggestedAnswer string    `json:"suggestedAnswer,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt,omitempty"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// Text returns the best available textual content of the ticket: the
// original text if present, otherwise the audio transcription.
func (t *Ticket) Text() string {
	if t.OriginalText != "" {
		return t.OriginalText
	}
	return t.TranscribedText
}
