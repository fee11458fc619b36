// Package backendtest provides an in-memory stand-in for the support
// backend: the REST collaborators and the notification fan-out broker,
// good enough to exercise the widget and dashboard engines end to end.
//
// It implements the boundary contracts only — no AI pipeline, no real
// object storage, no persistence across restarts.
package backendtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nikzan/Multimodal-Support-System/internal/channel"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

// Server is the fake backend. Create with NewServer, stop with Close.
type Server struct {
	httpServer *httptest.Server
	broker     *broker
	logger     *slog.Logger

	// EchoCorrelationKeys controls whether message confirmations carry the
	// client's correlation key back. Off by default so tests exercise the
	// FIFO matching fallback; turn on to test exact matching.
	EchoCorrelationKeys bool

	mu      sync.Mutex
	nextID  int64
	nextMsg int64
	tickets map[int64]*models.Ticket
	msgs    map[int64][]models.ChatMessage
	rag     map[int64]ragState
	uploads int
}

type ragState struct {
	answer  string
	count   int
	updated time.Time
}

// NewServer starts the fake backend on an ephemeral port.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		broker:  newBroker(logger),
		logger:  logger,
		nextID:  0,
		nextMsg: 1000,
		tickets: make(map[int64]*models.Ticket),
		msgs:    make(map[int64][]models.ChatMessage),
		rag:     make(map[int64]ragState),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /api/tickets/{head}/{leaf}", s.handleTicketGet)
	mux.HandleFunc("POST /api/tickets/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("PATCH /api/tickets/{id}/close", s.handleCloseTicket)
	mux.HandleFunc("GET /api/admin/tickets", s.handleListTickets)
	mux.HandleFunc("PATCH /api/admin/tickets/{id}/status", s.handleSetStatus)
	mux.HandleFunc("DELETE /api/admin/tickets/{id}", s.handleDeleteTicket)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.Handle("/ws", s.broker)

	s.httpServer = httptest.NewServer(mux)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// WSURL is the pub/sub websocket URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.broker.dropAll()
	s.httpServer.Close()
}

// DropConnections severs all broker connections without stopping the REST
// side, simulating a pub/sub outage.
func (s *Server) DropConnections() {
	s.broker.dropAll()
}

// Publish fans a payload out on an arbitrary topic, for tests that inject
// events directly.
func (s *Server) Publish(topic string, payload any) {
	s.broker.Publish(topic, payload)
}

// Ticket returns a copy of the stored ticket, or nil.
func (s *Server) Ticket(id int64) *models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil
	}
	copied := *t
	return &copied
}

// SendOperatorMessage stores and fans out an operator reply, bypassing the
// REST surface. Used to simulate the dashboard side in widget tests.
func (s *Server) SendOperatorMessage(ticketID int64, text string) models.ChatMessage {
	msg := models.ChatMessage{
		TicketID:   ticketID,
		SenderType: models.SenderOperator,
		SenderName: "Support Team",
		Text:       text,
	}
	return s.storeAndPublish(msg)
}

type createTicketRequest struct {
	ProjectAPIKey string `json:"projectApiKey"`
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	Language      string `json:"language"`
	AudioURL      string `json:"audioUrl"`
	ImageURL      string `json:"imageUrl"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Text == "" {
		http.Error(w, "sessionId and text are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	now := time.Now().UTC()
	ticket := &models.Ticket{
		ID:           s.nextID,
		ProjectID:    1,
		SessionID:    req.SessionID,
		Status:       models.StatusOpen,
		OriginalText: req.Text,
		AudioURL:     req.AudioURL,
		ImageURL:     req.ImageURL,
		Sentiment:    models.SentimentNeutral,
		Priority:     models.PriorityLow,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.tickets[ticket.ID] = ticket

	s.nextMsg++
	first := models.ChatMessage{
		ID:         s.nextMsg,
		TicketID:   ticket.ID,
		SenderType: models.SenderClient,
		Text:       req.Text,
		ImageURL:   req.ImageURL,
		AudioURL:   req.AudioURL,
		CreatedAt:  now,
	}
	s.msgs[ticket.ID] = []models.ChatMessage{first}
	s.mu.Unlock()

	s.broker.Publish(channel.ProjectTopic(ticket.ProjectID), ticket)
	s.broker.Publish(channel.TicketMessagesTopic(ticket.ID), first)

	writeJSON(w, http.StatusCreated, ticket)
}

// handleTicketGet dispatches the GET routes under /api/tickets/ by hand:
// ServeMux cannot order the session lookup against the per-ticket
// resources, since both patterns match /api/tickets/session/messages.
func (s *Server) handleTicketGet(w http.ResponseWriter, r *http.Request) {
	head, leaf := r.PathValue("head"), r.PathValue("leaf")
	if head == "session" {
		r.SetPathValue("sessionId", leaf)
		s.handleTicketBySession(w, r)
		return
	}

	r.SetPathValue("id", head)
	switch leaf {
	case "messages":
		s.handleMessages(w, r)
	case "rag-answer":
		s.handleRAGAnswer(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleTicketBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	s.mu.Lock()
	var latest *models.Ticket
	for _, t := range s.tickets {
		if t.SessionID != sessionID {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	s.mu.Unlock()

	if latest == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	msgs := append([]models.ChatMessage(nil), s.msgs[id]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}

	var msg models.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ticket, exists := s.tickets[id]
	if exists && (ticket.Closed || ticket.Status == models.StatusClosed) {
		s.mu.Unlock()
		http.Error(w, "ticket is closed", http.StatusConflict)
		return
	}
	s.mu.Unlock()

	msg.TicketID = id
	confirmed := s.storeAndPublish(msg)
	writeJSON(w, http.StatusCreated, confirmed)
}

// storeAndPublish confirms a message, updates the RAG bucket for client
// messages, and fans the result out.
func (s *Server) storeAndPublish(msg models.ChatMessage) models.ChatMessage {
	s.mu.Lock()
	s.nextMsg++
	msg.ID = s.nextMsg
	msg.Optimistic = false
	msg.CreatedAt = time.Now().UTC()
	if !s.EchoCorrelationKeys {
		msg.CorrelationKey = ""
	}
	s.msgs[msg.TicketID] = append(s.msgs[msg.TicketID], msg)

	var ragUpdated bool
	if msg.SenderType == models.SenderClient {
		state := s.rag[msg.TicketID]
		state.count++
		state.answer = fmt.Sprintf("Suggested response for %d client message(s)", state.count)
		state.updated = msg.CreatedAt
		s.rag[msg.TicketID] = state
		ragUpdated = true
	} else {
		// Operator reply empties the bucket.
		s.rag[msg.TicketID] = ragState{updated: msg.CreatedAt}
		ragUpdated = true
	}
	s.mu.Unlock()

	s.broker.Publish(channel.TicketMessagesTopic(msg.TicketID), msg)
	if ragUpdated {
		s.broker.Publish(channel.TicketRAGUpdatedTopic(msg.TicketID), struct{}{})
	}
	return msg
}

func (s *Server) handleCloseTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	ticket, exists := s.tickets[id]
	if !exists {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	now := time.Now().UTC()
	ticket.Closed = true
	ticket.Status = models.StatusClosed
	ticket.ClosedAt = &now
	ticket.UpdatedAt = now
	copied := *ticket
	s.mu.Unlock()

	s.broker.Publish(channel.TicketClosedTopic(id), struct{}{})
	s.broker.Publish(channel.ProjectTopic(copied.ProjectID), &copied)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}
	status := models.TicketStatus(r.URL.Query().Get("status"))
	if status.Rank() < 0 {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ticket, exists := s.tickets[id]
	if !exists {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	ticket.Status = status
	ticket.UpdatedAt = time.Now().UTC()
	if status == models.StatusClosed {
		ticket.Closed = true
		ticket.ClosedAt = &ticket.UpdatedAt
	}
	copied := *ticket
	s.mu.Unlock()

	s.broker.Publish(channel.ProjectTopic(copied.ProjectID), &copied)
	if status == models.StatusClosed {
		s.broker.Publish(channel.TicketClosedTopic(id), struct{}{})
	}

	writeJSON(w, http.StatusOK, &copied)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	_, exists := s.tickets[id]
	delete(s.tickets, id)
	delete(s.msgs, id)
	delete(s.rag, id)
	s.mu.Unlock()

	if !exists {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	size := 100
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}

	s.mu.Lock()
	tickets := make([]models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, *t)
	}
	s.mu.Unlock()

	// Newest first, as the dashboard expects; ties break on id.
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.After(tickets[j].CreatedAt)
		}
		return tickets[i].ID > tickets[j].ID
	})
	if len(tickets) > size {
		tickets = tickets[:size]
	}

	writeJSON(w, http.StatusOK, map[string]any{"content": tickets})
}

func (s *Server) handleRAGAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ticketID(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	state := s.rag[id]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":        state.answer,
		"messagesCount": state.count,
		"lastUpdated":   state.updated,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file.Close()

	s.mu.Lock()
	s.uploads++
	n := s.uploads
	s.mu.Unlock()

	result := models.UploadResult{
		URL: fmt.Sprintf("upload-%d-%s", n, header.Filename),
	}
	switch {
	case strings.HasSuffix(header.Filename, ".webm"), strings.HasSuffix(header.Filename, ".wav"):
		result.Transcription = "transcription of " + header.Filename
	case strings.HasSuffix(header.Filename, ".png"), strings.HasSuffix(header.Filename, ".jpg"):
		result.ImageDescription = "description of " + header.Filename
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) ticketID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad ticket id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
