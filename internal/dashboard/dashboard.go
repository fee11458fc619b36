// Package dashboard is the operator-side engine: a live project feed of
// tickets plus one focused conversation view with RAG assistance.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nikzan/Multimodal-Support-System/internal/api"
	"github.com/nikzan/Multimodal-Support-System/internal/channel"
	"github.com/nikzan/Multimodal-Support-System/internal/chat"
	"github.com/nikzan/Multimodal-Support-System/internal/config"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

// feedSize caps how many tickets one listing fetch returns.
const feedSize = 100

// Filter narrows the ticket feed client-side. Zero values match everything.
type Filter struct {
	Status    models.TicketStatus
	Priority  models.Priority
	Sentiment models.Sentiment
	Query     string // substring over original text and AI summary
}

// Hooks are the render callbacks of the dashboard UI.
type Hooks struct {
	OnFeed         func([]models.Ticket)
	OnMessages     func([]models.ChatMessage)
	OnRAGAnswer    func(*api.RAGAnswer)
	OnConnectivity func(channel.Status)
}

// Dashboard drives the operator view of one project.
type Dashboard struct {
	projectID    int64
	operatorName string
	sendTimeout  time.Duration
	backend      *api.Client
	channel      *channel.Manager
	logger       *slog.Logger

	mu      sync.Mutex
	feed    []models.Ticket
	filter  Filter
	current *ticketView
	hooks   Hooks
}

// ticketView is the focused conversation.
type ticketView struct {
	id  int64
	log *chat.Log
	rag *api.RAGAnswer
}

// New assembles a dashboard from configuration. Nothing touches the
// network until Start.
func New(cfg config.Config, operatorName string, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if operatorName == "" {
		operatorName = "Operator"
	}

	d := &Dashboard{
		projectID:    cfg.ProjectID,
		operatorName: operatorName,
		sendTimeout:  cfg.SendTimeout,
		backend:      api.New(cfg.APIURL, cfg.APIKey, logger),
		channel:      channel.NewManager(cfg.WSURL, logger),
		logger:       logger,
	}
	d.channel.SetOnStatus(func(s channel.Status) {
		d.mu.Lock()
		fn := d.hooks.OnConnectivity
		d.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})
	d.channel.SetOnResync(d.resync)
	return d
}

// SetHooks installs the render callbacks. Call before Start.
func (d *Dashboard) SetHooks(h Hooks) {
	d.mu.Lock()
	d.hooks = h
	d.mu.Unlock()
}

// Start connects the channel, subscribes the project feed and loads the
// initial ticket listing.
func (d *Dashboard) Start(ctx context.Context) error {
	if err := d.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	if err := d.channel.Subscribe(channel.ProjectTopic(d.projectID), d.handleProjectEvent); err != nil {
		return err
	}
	return d.LoadTickets(ctx)
}

// LoadTickets refetches the project's ticket feed, newest first.
func (d *Dashboard) LoadTickets(ctx context.Context) error {
	tickets, err := d.backend.ListTickets(ctx, d.projectID, feedSize)
	if err != nil {
		return fmt.Errorf("load tickets: %w", err)
	}
	d.mu.Lock()
	d.feed = tickets
	d.mu.Unlock()
	d.notifyFeed()
	return nil
}

// SetFilter replaces the feed filter and re-renders.
func (d *Dashboard) SetFilter(f Filter) {
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()
	d.notifyFeed()
}

// Tickets returns the feed with the current filter applied.
func (d *Dashboard) Tickets() []models.Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filteredLocked()
}

// CurrentTicketID returns the focused conversation's ticket, or zero.
func (d *Dashboard) CurrentTicketID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return 0
	}
	return d.current.id
}

// Messages returns the focused conversation's reconciled log.
func (d *Dashboard) Messages() []models.ChatMessage {
	d.mu.Lock()
	v := d.current
	d.mu.Unlock()
	if v == nil {
		return nil
	}
	return v.log.Messages()
}

// RAGAnswer returns the focused conversation's knowledge-base answer, or
// nil when none is loaded.
func (d *Dashboard) RAGAnswer() *api.RAGAnswer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	return d.current.rag
}

// OpenTicket focuses one conversation: its history, its message topic and
// its rag-updated topic. Any previously focused ticket is released first.
func (d *Dashboard) OpenTicket(ctx context.Context, ticketID int64) error {
	d.CloseView()

	log := chat.NewLog(ticketID, d.logger)
	log.SetOnChange(d.notifyMessages)

	d.mu.Lock()
	d.current = &ticketView{id: ticketID, log: log}
	d.mu.Unlock()

	if err := d.channel.Subscribe(channel.TicketMessagesTopic(ticketID), func(payload []byte) {
		d.handleMessagePush(ticketID, payload)
	}); err != nil {
		return err
	}
	if err := d.channel.Subscribe(channel.TicketRAGUpdatedTopic(ticketID), func([]byte) {
		d.handleRAGUpdated(ticketID)
	}); err != nil {
		return err
	}

	history, err := d.backend.Messages(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("open ticket %d: %w", ticketID, err)
	}
	log.ReconcileWithHistory(history)

	if err := d.RefreshRAGAnswer(ctx); err != nil {
		d.logger.Warn("rag answer unavailable", "ticketId", ticketID, "error", err)
	}
	return nil
}

// CloseView releases the focused conversation and its subscriptions.
func (d *Dashboard) CloseView() {
	d.mu.Lock()
	v := d.current
	d.current = nil
	d.mu.Unlock()
	if v == nil {
		return
	}
	d.channel.Unsubscribe(channel.TicketMessagesTopic(v.id))
	d.channel.Unsubscribe(channel.TicketRAGUpdatedTopic(v.id))
}

// SendReply posts an operator message into the focused conversation. The
// reply shows optimistically and is superseded by the pushed copy.
func (d *Dashboard) SendReply(ctx context.Context, text string) error {
	d.mu.Lock()
	v := d.current
	name := d.operatorName
	d.mu.Unlock()
	if v == nil {
		return fmt.Errorf("no ticket open")
	}

	draft := v.log.AppendOptimistic(models.ChatMessage{
		TicketID:   v.id,
		SenderType: models.SenderOperator,
		SenderName: name,
		Text:       text,
	})

	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if _, err := d.backend.SendMessage(ctx, draft); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// CloseTicket closes a ticket; feed and widget sides learn of it through
// their topics.
func (d *Dashboard) CloseTicket(ctx context.Context, ticketID int64) error {
	if err := d.backend.CloseTicket(ctx, ticketID); err != nil {
		return err
	}
	return nil
}

// SetStatus moves a ticket's lifecycle status and applies the returned
// ticket to the feed.
func (d *Dashboard) SetStatus(ctx context.Context, ticketID int64, status models.TicketStatus) error {
	t, err := d.backend.SetStatus(ctx, ticketID, status)
	if err != nil {
		return err
	}
	d.applyTicket(*t)
	return nil
}

// DeleteTicket removes a ticket entirely, dropping it from the feed and
// releasing the view if it was focused.
func (d *Dashboard) DeleteTicket(ctx context.Context, ticketID int64) error {
	if err := d.backend.DeleteTicket(ctx, ticketID); err != nil {
		return err
	}
	if d.CurrentTicketID() == ticketID {
		d.CloseView()
	}
	d.mu.Lock()
	kept := d.feed[:0]
	for _, t := range d.feed {
		if t.ID != ticketID {
			kept = append(kept, t)
		}
	}
	d.feed = kept
	d.mu.Unlock()
	d.notifyFeed()
	return nil
}

// RefreshRAGAnswer refetches the focused conversation's RAG answer.
func (d *Dashboard) RefreshRAGAnswer(ctx context.Context) error {
	id := d.CurrentTicketID()
	if id == 0 {
		return nil
	}
	answer, err := d.backend.TicketRAGAnswer(ctx, id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.current == nil || d.current.id != id {
		d.mu.Unlock()
		return nil
	}
	d.current.rag = answer
	fn := d.hooks.OnRAGAnswer
	d.mu.Unlock()
	if fn != nil {
		fn(answer)
	}
	return nil
}

// Close tears the dashboard down.
func (d *Dashboard) Close() error {
	d.CloseView()
	return d.channel.Close()
}

// handleProjectEvent applies one pushed ticket create/update to the feed.
func (d *Dashboard) handleProjectEvent(payload []byte) {
	var t models.Ticket
	if err := json.Unmarshal(payload, &t); err != nil {
		d.logger.Warn("dropping malformed project event", "error", err)
		return
	}
	d.applyTicket(t)
}

// applyTicket upserts a ticket into the feed, newest first.
func (d *Dashboard) applyTicket(t models.Ticket) {
	d.mu.Lock()
	found := false
	for i := range d.feed {
		if d.feed[i].ID == t.ID {
			d.feed[i] = t
			found = true
			break
		}
	}
	if !found {
		d.feed = append([]models.Ticket{t}, d.feed...)
	}
	d.mu.Unlock()
	d.notifyFeed()
}

func (d *Dashboard) handleMessagePush(ticketID int64, payload []byte) {
	d.mu.Lock()
	v := d.current
	d.mu.Unlock()
	if v == nil || v.id != ticketID {
		return
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.logger.Warn("dropping malformed message push", "error", err)
		return
	}
	v.log.OnPush(msg)
}

func (d *Dashboard) handleRAGUpdated(ticketID int64) {
	if d.CurrentTicketID() != ticketID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	if err := d.RefreshRAGAnswer(ctx); err != nil {
		d.logger.Warn("rag answer refresh failed", "ticketId", ticketID, "error", err)
	}
}

// resync runs after every reconnect: the feed and the focused history are
// both refetched since the channel has no replay.
func (d *Dashboard) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.LoadTickets(ctx); err != nil {
		d.logger.Warn("post-reconnect feed refresh failed", "error", err)
	}

	d.mu.Lock()
	v := d.current
	d.mu.Unlock()
	if v == nil {
		return
	}
	history, err := d.backend.Messages(ctx, v.id)
	if err != nil {
		d.logger.Warn("post-reconnect history refresh failed", "ticketId", v.id, "error", err)
		return
	}
	v.log.ReconcileWithHistory(history)
}

// filteredLocked applies the filter to a copy of the feed.
func (d *Dashboard) filteredLocked() []models.Ticket {
	out := make([]models.Ticket, 0, len(d.feed))
	q := strings.ToLower(d.filter.Query)
	for _, t := range d.feed {
		if d.filter.Status != "" && t.Status != d.filter.Status {
			continue
		}
		if d.filter.Priority != "" && t.Priority != d.filter.Priority {
			continue
		}
		if d.filter.Sentiment != "" && t.Sentiment != d.filter.Sentiment {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(t.OriginalText), q) &&
			!strings.Contains(strings.ToLower(t.AISummary), q) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (d *Dashboard) notifyFeed() {
	d.mu.Lock()
	fn := d.hooks.OnFeed
	var snapshot []models.Ticket
	if fn != nil {
		snapshot = d.filteredLocked()
	}
	d.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func (d *Dashboard) notifyMessages(msgs []models.ChatMessage) {
	d.mu.Lock()
	fn := d.hooks.OnMessages
	d.mu.Unlock()
	if fn != nil {
		fn(msgs)
	}
}
