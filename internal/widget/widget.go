// Package widget is the customer-side engine of the support chat: one
// instance per widget view, owning the session identity, the ticket
// lifecycle, the message log and the pub/sub subscriptions.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nikzan/Multimodal-Support-System/internal/api"
	"github.com/nikzan/Multimodal-Support-System/internal/channel"
	"github.com/nikzan/Multimodal-Support-System/internal/chat"
	"github.com/nikzan/Multimodal-Support-System/internal/config"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
	"github.com/nikzan/Multimodal-Support-System/internal/session"
	"github.com/nikzan/Multimodal-Support-System/internal/ticket"
)

// Hooks are the render callbacks exposed to the surrounding UI layer.
// All of them may be nil; they fire from the widget's event-handling
// goroutines, one at a time.
type Hooks struct {
	OnMessages     func([]models.ChatMessage)
	OnConnectivity func(channel.Status)
	OnStatus       func(ticket.State)
}

// Widget is the session context of one support chat view.
type Widget struct {
	apiKey      string
	sendTimeout time.Duration
	logger      *slog.Logger

	store      *session.Store
	backend    *api.Client
	channel    *channel.Manager
	controller *ticket.Controller

	// runCtx outlives any single call; it bounds the channel's reconnect
	// loop and is cancelled by Close.
	runCtx context.Context
	stop   context.CancelFunc

	mu        sync.Mutex
	log       *chat.Log
	view      uint64 // generation counter; bumped when the view resets
	connected bool
	hooks     Hooks
}

// New assembles a widget from configuration. Nothing touches the network
// until Start.
func New(cfg config.Config, logger *slog.Logger) *Widget {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	backend := api.New(cfg.APIURL, cfg.APIKey, logger)
	runCtx, stop := context.WithCancel(context.Background())
	w := &Widget{
		apiKey:      cfg.APIKey,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
		runCtx:      runCtx,
		stop:        stop,
		store:       session.NewStore(cfg.SessionFile, logger),
		backend:     backend,
		channel:     channel.NewManager(cfg.WSURL, logger),
		controller:  ticket.NewController(backend, logger),
		log:         chat.NewLog(0, logger),
	}
	w.log.SetOnChange(w.notifyMessages)

	w.channel.SetOnStatus(func(s channel.Status) {
		w.mu.Lock()
		fn := w.hooks.OnConnectivity
		w.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	w.channel.SetOnResync(w.resync)
	w.controller.SetOnStatus(func(s ticket.State) {
		w.mu.Lock()
		fn := w.hooks.OnStatus
		w.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	return w
}

// SetHooks installs the render callbacks. Call before Start.
func (w *Widget) SetHooks(h Hooks) {
	w.mu.Lock()
	w.hooks = h
	w.mu.Unlock()
}

// ClientID returns the durable session identifier.
func (w *Widget) ClientID() string {
	return w.store.ClientID()
}

// State returns the current lifecycle state.
func (w *Widget) State() ticket.State {
	return w.controller.State()
}

// Ticket returns the cached current ticket, or nil.
func (w *Widget) Ticket() *models.Ticket {
	return w.controller.Ticket()
}

// Messages returns a snapshot of the reconciled message log.
func (w *Widget) Messages() []models.ChatMessage {
	return w.currentLog().Messages()
}

// Connectivity returns the pub/sub link state.
func (w *Widget) Connectivity() channel.Status {
	return w.channel.Status()
}

// Start resumes the session's ticket if one exists: lookup by client id,
// then history load and subscriptions for a live ticket. A closed ticket
// leaves composing disabled until StartNewTicket; no ticket at all leaves
// the widget ready to create one on the first Send.
func (w *Widget) Start(ctx context.Context) error {
	t, err := w.controller.ResumeOrCreate(ctx, w.store.ClientID())
	if err != nil {
		// Lookup failures degrade to the no-ticket state; the user can
		// still compose, which retries implicitly by creating a ticket.
		w.logger.Warn("ticket resume failed, starting without ticket", "error", err)
		return nil
	}
	if t == nil || w.controller.State() == ticket.StateClosed {
		return nil
	}
	return w.attach(ctx, t.ID)
}

// Send publishes a user message: the optimistic entry appears in the log
// synchronously, then the ticket is created (first message of a session)
// or the message posted. On failure the optimistic entry stays in the log
// and the error carries the retry affordance.
func (w *Widget) Send(ctx context.Context, text string, att *models.Attachments) error {
	if !w.controller.CanCompose() {
		return ticket.ErrComposingDisabled
	}
	if text == "" {
		text = placeholderText(att)
		if text == "" {
			return errors.New("empty message")
		}
	}

	draft := models.ChatMessage{
		SenderType: models.SenderClient,
		Text:       text,
	}
	if !att.Empty() {
		draft.ImageURL = att.ImageURL
		draft.AudioURL = att.AudioURL
		draft.Metadata = att.Metadata()
	}
	log := w.currentLog()
	draft = log.AppendOptimistic(draft)

	ctx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	if w.controller.State() == ticket.StateNone {
		return w.createTicket(ctx, draft, att)
	}
	return w.sendMessage(ctx, draft)
}

// Upload pushes an attachment to object storage ahead of a Send. The
// result carries the stored URL plus any transcription or image
// description the backend generated.
func (w *Widget) Upload(ctx context.Context, filename string, data []byte) (*models.UploadResult, error) {
	return w.backend.UploadAttachment(ctx, filename, data)
}

// Refresh refetches the full history and reconciles it into the log.
func (w *Widget) Refresh(ctx context.Context) error {
	log := w.currentLog()
	id := log.TicketID()
	if id == 0 {
		return nil
	}
	history, err := w.backend.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh history: %w", err)
	}
	log.ReconcileWithHistory(history)
	return nil
}

// ExpirePending drops optimistic entries older than the given age and
// returns how many were removed. The UI calls this to clear entries whose
// send has definitively failed.
func (w *Widget) ExpirePending(age time.Duration) int {
	return w.currentLog().ExpireOptimistic(time.Now().Add(-age))
}

// StartNewTicket resets the view after a closure: drops the per-ticket
// subscriptions, clears the log and returns to the no-ticket state. The
// next Send creates a fresh ticket.
func (w *Widget) StartNewTicket() {
	fresh := chat.NewLog(0, w.logger)
	fresh.SetOnChange(w.notifyMessages)

	w.mu.Lock()
	old := w.log
	w.view++
	w.log = fresh
	w.mu.Unlock()

	if id := old.TicketID(); id != 0 {
		w.channel.Unsubscribe(channel.TicketMessagesTopic(id))
		w.channel.Unsubscribe(channel.TicketClosedTopic(id))
	}
	w.controller.Reset()
	w.notifyMessages(nil)
}

// Close tears down the view. In-flight requests are not cancelled;
// their responses are discarded by the view generation guard.
func (w *Widget) Close() error {
	w.mu.Lock()
	w.view++
	w.mu.Unlock()
	w.stop()
	return w.channel.Close()
}

// createTicket opens the session's ticket from its first message.
func (w *Widget) createTicket(ctx context.Context, draft models.ChatMessage, att *models.Attachments) error {
	req := api.CreateTicketRequest{
		ProjectAPIKey: w.apiKey,
		SessionID:     w.store.ClientID(),
	}
	req.Text = draft.Text
	if !att.Empty() {
		req.AudioURL = att.AudioURL
		req.ImageURL = att.ImageURL
	}

	t, err := w.controller.CreateTicket(ctx, req)
	if err != nil {
		// The draft stays optimistic; creating again would risk a
		// duplicate ticket, so the retry is left to the user.
		return fmt.Errorf("create ticket: %w", err)
	}

	if err := w.attach(ctx, t.ID); err != nil {
		w.logger.Warn("live updates unavailable after ticket create", "error", err)
	}
	return nil
}

// sendMessage posts into the existing conversation. The authoritative
// copy arrives over the message topic and supersedes the draft.
func (w *Widget) sendMessage(ctx context.Context, draft models.ChatMessage) error {
	_, err := w.backend.SendMessage(ctx, draft)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// attach connects the channel if needed, subscribes the per-ticket topics
// and reconciles the full history. Also used to re-establish state after
// the ticket id first becomes known.
func (w *Widget) attach(ctx context.Context, ticketID int64) error {
	// On the resume path the log was created before the id was known.
	w.currentLog().SetTicketID(ticketID)

	w.mu.Lock()
	view := w.view
	needConnect := !w.connected
	if needConnect {
		w.connected = true
	}
	w.mu.Unlock()

	if needConnect {
		// Connect with the widget's own lifetime, not the caller's: a
		// per-send deadline must not bound the reconnect loop.
		if err := w.channel.Connect(w.runCtx); err != nil {
			w.mu.Lock()
			w.connected = false
			w.mu.Unlock()
			// Non-fatal: REST still works, resync will catch us up once
			// the link is manually re-established via Refresh.
			return err
		}
	}

	if err := w.channel.Subscribe(channel.TicketMessagesTopic(ticketID), func(payload []byte) {
		w.handleMessagePush(view, payload)
	}); err != nil {
		return err
	}
	if err := w.channel.Subscribe(channel.TicketClosedTopic(ticketID), func(payload []byte) {
		w.handleClosed(view, ticketID)
	}); err != nil {
		return err
	}

	// Replace any gap between history and the subscription start; the
	// forced refetch also supersedes optimistic entries the server has
	// already confirmed.
	if err := w.Refresh(ctx); err != nil {
		w.logger.Warn("initial history load failed", "error", err, "ticketId", ticketID)
	}
	return nil
}

// handleMessagePush applies one pushed message unless the view moved on.
func (w *Widget) handleMessagePush(view uint64, payload []byte) {
	if w.staleView(view) {
		return
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		w.logger.Warn("dropping malformed message push", "error", err)
		return
	}
	w.currentLog().OnPush(msg)
}

// handleClosed reacts to the authoritative closure event: composing is
// disabled and the ticket-scoped subscriptions are released.
func (w *Widget) handleClosed(view uint64, ticketID int64) {
	if w.staleView(view) {
		return
	}
	w.logger.Info("ticket closed by operator", "ticketId", ticketID)
	w.controller.OnRemoteClosed()
	w.channel.Unsubscribe(channel.TicketMessagesTopic(ticketID))
	w.channel.Unsubscribe(channel.TicketClosedTopic(ticketID))
}

// resync runs after every reconnect: the channel has no replay, so the
// history refetch closes the gap in missed pushes.
func (w *Widget) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), w.sendTimeout)
	defer cancel()
	if err := w.Refresh(ctx); err != nil {
		w.logger.Warn("post-reconnect reconciliation failed", "error", err)
	}
}

func (w *Widget) currentLog() *chat.Log {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log
}

func (w *Widget) staleView(view uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return view != w.view
}

func (w *Widget) notifyMessages(msgs []models.ChatMessage) {
	w.mu.Lock()
	fn := w.hooks.OnMessages
	w.mu.Unlock()
	if fn != nil {
		fn(msgs)
	}
}

// placeholderText labels attachment-only messages, as the widget cannot
// send an empty text body.
func placeholderText(att *models.Attachments) string {
	switch {
	case att == nil:
		return ""
	case att.AudioURL != "":
		return "Voice message"
	case att.ImageURL != "":
		return "Image"
	default:
		return ""
	}
}
