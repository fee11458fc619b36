package backendtest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikzan/Multimodal-Support-System/internal/api"
	"github.com/nikzan/Multimodal-Support-System/internal/backendtest"
)

// The GET routes under /api/tickets/ overlap: a session lookup and the
// per-ticket resources share the same shape. All of them must resolve on
// one server, even for a session id that spells a resource name.
func TestTicketRoutes_Disambiguated(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()
	client := api.New(srv.URL(), "test-key", nil)

	ticket, err := client.CreateTicket(context.Background(), api.CreateTicketRequest{
		SessionID: "messages",
		Text:      "Hello",
	})
	require.NoError(t, err)

	bySession, err := client.TicketBySession(context.Background(), "messages")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, bySession.ID)

	msgs, err := client.Messages(context.Background(), ticket.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)

	rag, err := client.TicketRAGAnswer(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.NotNil(t, rag)

	_, err = client.TicketBySession(context.Background(), "unknown-session")
	assert.True(t, api.IsNotFound(err))
}
