// Package api provides an HTTP client for the support backend.
//
// The backend owns persistence, AI enrichment and object storage; this
// client only speaks its REST contract. Real-time delivery goes over the
// pub/sub channel (internal/channel), not through here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

// Client is an HTTP client for the support backend.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new backend client.
// If endpoint is empty, uses NOVA_API_URL env var or defaults to localhost:8080.
func New(endpoint, apiKey string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("NOVA_API_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		logger:   logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateTicketRequest is the payload for opening a new ticket from the
// first client message.
type CreateTicketRequest struct {
	ProjectAPIKey string `json:"projectApiKey"`
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
	Language      string `json:"language,omitempty"`
	AudioURL      string `json:"audioUrl,omitempty"`
	ImageURL      string `json:"imageUrl,omitempty"`
}

// CreateTicket opens a new ticket. The server does not guarantee
// idempotency here; callers must not retry blindly or duplicate tickets
// may result.
func (c *Client) CreateTicket(ctx context.Context, req CreateTicketRequest) (*models.Ticket, error) {
	if req.ProjectAPIKey == "" {
		req.ProjectAPIKey = c.apiKey
	}
	var ticket models.Ticket
	if err := c.do(ctx, http.MethodPost, "/api/tickets", req, &ticket); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return &ticket, nil
}

// TicketBySession looks up the ticket bound to a session identifier.
// Returns ErrNotFound when the session has no ticket.
func (c *Client) TicketBySession(ctx context.Context, sessionID string) (*models.Ticket, error) {
	var ticket models.Ticket
	path := "/api/tickets/session/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &ticket); err != nil {
		return nil, fmt.Errorf("ticket by session: %w", err)
	}
	return &ticket, nil
}

// Messages returns the full ordered message history of a ticket.
func (c *Client) Messages(ctx context.Context, ticketID int64) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	path := fmt.Sprintf("/api/tickets/%d/messages", ticketID)
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a message into an existing ticket conversation. The
// authoritative copy is delivered back over the ticket's message topic.
func (c *Client) SendMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	var confirmed models.ChatMessage
	path := fmt.Sprintf("/api/tickets/%d/messages", msg.TicketID)
	if err := c.do(ctx, http.MethodPost, path, msg, &confirmed); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &confirmed, nil
}

// CloseTicket closes a ticket; the closure event fans out on the ticket's
// closed topic.
func (c *Client) CloseTicket(ctx context.Context, ticketID int64) error {
	path := fmt.Sprintf("/api/tickets/%d/close", ticketID)
	if err := c.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return fmt.Errorf("close ticket: %w", err)
	}
	return nil
}

// SetStatus updates a ticket's lifecycle status (admin).
func (c *Client) SetStatus(ctx context.Context, ticketID int64, status models.TicketStatus) (*models.Ticket, error) {
	var ticket models.Ticket
	path := fmt.Sprintf("/api/admin/tickets/%d/status?status=%s", ticketID, url.QueryEscape(string(status)))
	if err := c.do(ctx, http.MethodPatch, path, nil, &ticket); err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	return &ticket, nil
}

// DeleteTicket removes a ticket entirely (admin).
func (c *Client) DeleteTicket(ctx context.Context, ticketID int64) error {
	path := fmt.Sprintf("/api/admin/tickets/%d", ticketID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	return nil
}

// ticketPage mirrors the backend's paged admin listing.
type ticketPage struct {
	Content []models.Ticket `json:"content"`
}

// ListTickets returns up to size tickets of a project, newest first (admin).
func (c *Client) ListTickets(ctx context.Context, projectID int64, size int) ([]models.Ticket, error) {
	var page ticketPage
	path := fmt.Sprintf("/api/admin/tickets?projectId=%d&size=%d", projectID, size)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	return page.Content, nil
}

// RAGAnswer is the knowledge-base answer the backend accumulates for the
// unanswered tail of a conversation.
type RAGAnswer struct {
	Answer        string    `json:"answer"`
	MessagesCount int       `json:"messagesCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// TicketRAGAnswer fetches the current RAG answer for a ticket.
func (c *Client) TicketRAGAnswer(ctx context.Context, ticketID int64) (*RAGAnswer, error) {
	var answer RAGAnswer
	path := fmt.Sprintf("/api/tickets/%d/rag-answer", ticketID)
	if err := c.do(ctx, http.MethodGet, path, nil, &answer); err != nil {
		return nil, fmt.Errorf("rag answer: %w", err)
	}
	return &answer, nil
}

// UploadAttachment uploads a file to object storage. Audio uploads come
// back with a transcription, images with a generated description.
func (c *Client) UploadAttachment(ctx context.Context, filename string, data []byte) (*models.UploadResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var result models.UploadResult
	if err := c.roundTrip(req, &result); err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}
	return &result, nil
}

// do executes one JSON request against the backend.
func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.roundTrip(req, result)
}

func (c *Client) roundTrip(req *http.Request, result any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("backend request",
		"method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServerError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// IsNotFound reports whether err is the backend's not-found response.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
