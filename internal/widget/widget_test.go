package widget_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikzan/Multimodal-Support-System/internal/api"
	"github.com/nikzan/Multimodal-Support-System/internal/backendtest"
	"github.com/nikzan/Multimodal-Support-System/internal/config"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
	"github.com/nikzan/Multimodal-Support-System/internal/ticket"
	"github.com/nikzan/Multimodal-Support-System/internal/widget"
)

func testConfig(t *testing.T, srv *backendtest.Server) config.Config {
	t.Helper()
	return config.Config{
		APIURL:      srv.URL(),
		WSURL:       srv.WSURL(),
		APIKey:      "test-key",
		ProjectID:   1,
		SessionFile: filepath.Join(t.TempDir(), "session-id"),
		SendTimeout: 5 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSend_CreatesTicketOnFirstMessage(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	w := widget.New(testConfig(t, srv), nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	assert.Equal(t, ticket.StateNone, w.State())

	require.NoError(t, w.Send(context.Background(), "Hello", nil))

	assert.Equal(t, ticket.StateOpen, w.State())
	require.NotNil(t, w.Ticket())
	assert.NotNil(t, srv.Ticket(w.Ticket().ID))

	// The forced history refetch supersedes the optimistic first message.
	waitFor(t, "confirmed first message", func() bool {
		msgs := w.Messages()
		return len(msgs) == 1 && msgs[0].Confirmed()
	})
	assert.Equal(t, "Hello", w.Messages()[0].Text)
}

func TestSend_OptimisticEntryVisibleSynchronously(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	w := widget.New(testConfig(t, srv), nil)
	defer w.Close()

	var mu sync.Mutex
	var snapshots [][]models.ChatMessage
	w.SetHooks(widget.Hooks{OnMessages: func(msgs []models.ChatMessage) {
		mu.Lock()
		snapshots = append(snapshots, msgs)
		mu.Unlock()
	}})

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Send(context.Background(), "Hello", nil))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, snapshots)
	first := snapshots[0]
	require.Len(t, first, 1)
	assert.False(t, first[0].Confirmed(), "first render must show the optimistic entry")
	assert.Equal(t, "Hello", first[0].Text)
}

func TestSend_FailureKeepsOptimisticEntry(t *testing.T) {
	cfg := config.Config{
		APIURL:      "http://127.0.0.1:1",
		WSURL:       "ws://127.0.0.1:1/ws",
		SessionFile: filepath.Join(t.TempDir(), "session-id"),
		SendTimeout: 2 * time.Second,
	}
	w := widget.New(cfg, nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	err := w.Send(context.Background(), "Hello", nil)
	require.Error(t, err)

	// The draft survives as the retry affordance until explicitly expired.
	msgs := w.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Confirmed())

	assert.Equal(t, 1, w.ExpirePending(0))
	assert.Empty(t, w.Messages())
}

func TestOperatorReplyArrivesOverPush(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	w := widget.New(testConfig(t, srv), nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Send(context.Background(), "Hello", nil))

	srv.SendOperatorMessage(w.Ticket().ID, "How can I help?")

	waitFor(t, "operator reply in log", func() bool {
		return len(w.Messages()) == 2
	})
	msgs := w.Messages()
	assert.Equal(t, models.SenderOperator, msgs[1].SenderType)
	assert.Equal(t, "How can I help?", msgs[1].Text)
}

func TestRemoteClose_DisablesComposingLocally(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	cfg := testConfig(t, srv)
	w := widget.New(cfg, nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Send(context.Background(), "Hello", nil))
	ticketID := w.Ticket().ID

	operator := api.New(cfg.APIURL, "", nil)
	require.NoError(t, operator.CloseTicket(context.Background(), ticketID))

	waitFor(t, "remote closure applied", func() bool {
		return w.State() == ticket.StateClosed
	})

	// Rejected before any network call.
	err := w.Send(context.Background(), "One more thing", nil)
	assert.ErrorIs(t, err, ticket.ErrComposingDisabled)
}

func TestStartNewTicket_AfterClosure(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	cfg := testConfig(t, srv)
	w := widget.New(cfg, nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Send(context.Background(), "Hello", nil))
	firstID := w.Ticket().ID

	operator := api.New(cfg.APIURL, "", nil)
	require.NoError(t, operator.CloseTicket(context.Background(), firstID))
	waitFor(t, "remote closure applied", func() bool {
		return w.State() == ticket.StateClosed
	})

	w.StartNewTicket()
	assert.Equal(t, ticket.StateNone, w.State())
	assert.Empty(t, w.Messages())

	require.NoError(t, w.Send(context.Background(), "New problem", nil))
	require.NotNil(t, w.Ticket())
	assert.NotEqual(t, firstID, w.Ticket().ID)
}

func TestStart_ResumesOpenTicket(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	cfg := testConfig(t, srv)

	first := widget.New(cfg, nil)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Send(context.Background(), "Hello", nil))
	ticketID := first.Ticket().ID
	require.NoError(t, first.Close())

	// Same session file, fresh process.
	second := widget.New(cfg, nil)
	defer second.Close()
	require.NoError(t, second.Start(context.Background()))

	assert.Equal(t, ticket.StateOpen, second.State())
	require.NotNil(t, second.Ticket())
	assert.Equal(t, ticketID, second.Ticket().ID)
	waitFor(t, "resumed history", func() bool {
		return len(second.Messages()) == 1
	})
}

func TestStart_ClosedTicketNeedsReset(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	cfg := testConfig(t, srv)

	first := widget.New(cfg, nil)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Send(context.Background(), "Hello", nil))
	ticketID := first.Ticket().ID
	require.NoError(t, first.Close())

	operator := api.New(cfg.APIURL, "", nil)
	require.NoError(t, operator.CloseTicket(context.Background(), ticketID))

	second := widget.New(cfg, nil)
	defer second.Close()
	require.NoError(t, second.Start(context.Background()))

	assert.Equal(t, ticket.StateClosed, second.State())
	err := second.Send(context.Background(), "Hello again", nil)
	assert.ErrorIs(t, err, ticket.ErrComposingDisabled)
}

func TestReconnect_ResyncClosesPushGap(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	w := widget.New(testConfig(t, srv), nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Send(context.Background(), "Hello", nil))
	ticketID := w.Ticket().ID

	// Kill the link, then let the backend move on without us. The missed
	// message must arrive via the post-reconnect history refetch.
	srv.DropConnections()
	srv.SendOperatorMessage(ticketID, "Missed while offline")

	waitFor(t, "missed message reconciled", func() bool {
		return len(w.Messages()) == 2
	})
	assert.Equal(t, "Missed while offline", w.Messages()[1].Text)
}

func TestSend_AttachmentOnlyGetsPlaceholder(t *testing.T) {
	srv := backendtest.NewServer(nil)
	defer srv.Close()

	w := widget.New(testConfig(t, srv), nil)
	defer w.Close()

	require.NoError(t, w.Start(context.Background()))

	up, err := w.Upload(context.Background(), "note.webm", []byte("audio-bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, up.URL)
	require.NotEmpty(t, up.Transcription)

	att := &models.Attachments{AudioURL: up.URL, Transcription: up.Transcription}
	require.NoError(t, w.Send(context.Background(), "", att))

	waitFor(t, "confirmed attachment message", func() bool {
		msgs := w.Messages()
		return len(msgs) == 1 && msgs[0].Confirmed()
	})
	msg := w.Messages()[0]
	assert.Equal(t, "Voice message", msg.Text)
	assert.Equal(t, up.URL, msg.AudioURL)
}
