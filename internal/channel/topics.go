package channel

import "fmt"

// Topic names shared with the notification fan-out boundary. The server
// publishes new-ticket events on the project topic and message, closure
// and RAG-update events on the per-ticket topics; no other channels exist.

// ProjectTopic is the project-scoped feed of newly created tickets.
func ProjectTopic(projectID int64) string {
	return fmt.Sprintf("project/%d", projectID)
}

// TicketMessagesTopic carries confirmed chat messages of one ticket.
func TicketMessagesTopic(ticketID int64) string {
	return fmt.Sprintf("ticket/%d/messages", ticketID)
}

// TicketClosedTopic carries the closure event of one ticket.
func TicketClosedTopic(ticketID int64) string {
	return fmt.Sprintf("ticket/%d/closed", ticketID)
}

// TicketRAGUpdatedTopic signals that the knowledge-base answer for a
// ticket has been recomputed.
func TicketRAGUpdatedTopic(ticketID int64) string {
	return fmt.Sprintf("ticket/%d/rag-updated", ticketID)
}
