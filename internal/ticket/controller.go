// Package ticket tracks the lifecycle of the current support ticket and
// gates whether new messages may be composed.
package ticket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nikzan/Multimodal-Support-System/internal/api"
	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

// State is the client-side lifecycle state of the session's ticket.
type State int

const (
	// StateNone means the session has no ticket yet; composing a message
	// will create one.
	StateNone State = iota
	StateOpen
	StateInProgress
	// StateClosed is terminal for the ticket instance. A new user action
	// resets the controller to StateNone and creates a fresh ticket.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NO_TICKET"
	case StateOpen:
		return "OPEN"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Backend is the subset of the support API the controller depends on.
type Backend interface {
	TicketBySession(ctx context.Context, sessionID string) (*models.Ticket, error)
	CreateTicket(ctx context.Context, req api.CreateTicketRequest) (*models.Ticket, error)
}

// ErrComposingDisabled is returned when a send is attempted on a closed
// ticket. The check happens locally before any network call.
var ErrComposingDisabled = fmt.Errorf("ticket is closed, composing disabled")

// ErrTicketExists is returned when CreateTicket is called while the session
// already has one.
var ErrTicketExists = fmt.Errorf("session already has a ticket")

// Controller owns the ticket status state machine for one session context.
type Controller struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	ticket   *models.Ticket
	onStatus func(State)
}

// NewController creates a controller in StateNone.
func NewController(backend Backend, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{backend: backend, logger: logger}
}

// SetOnStatus installs the hook fired after every state transition.
func (c *Controller) SetOnStatus(fn func(State)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ticket returns the cached ticket, or nil before one exists.
func (c *Controller) Ticket() *models.Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket == nil {
		return nil
	}
	t := *c.ticket
	return &t
}

// CanCompose reports whether the user may compose a message. True in
// StateNone (the first message creates the ticket) and on any live ticket.
func (c *Controller) CanCompose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != StateClosed
}

// ResumeOrCreate looks up the session's ticket on the backend.
//
// Not found leaves the controller in StateNone with composing enabled. A
// closed ticket moves to StateClosed with composing disabled (the caller
// offers the start-new-ticket affordance). A live ticket adopts the
// server's status; the caller then loads history and subscribes.
func (c *Controller) ResumeOrCreate(ctx context.Context, clientID string) (*models.Ticket, error) {
	t, err := c.backend.TicketBySession(ctx, clientID)
	if err != nil {
		if api.IsNotFound(err) {
			c.transition(StateNone, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("resume session: %w", err)
	}

	if t.Closed || t.Status == models.StatusClosed {
		c.transition(StateClosed, t)
		return t, nil
	}

	c.transition(stateFromStatus(t.Status), t)
	return t, nil
}

// CreateTicket opens a new ticket from the session's first message. Valid
// only from StateNone; on success the controller holds the assigned id in
// StateOpen.
func (c *Controller) CreateTicket(ctx context.Context, req api.CreateTicketRequest) (*models.Ticket, error) {
	c.mu.Lock()
	if c.state != StateNone {
		c.mu.Unlock()
		return nil, ErrTicketExists
	}
	c.mu.Unlock()

	t, err := c.backend.CreateTicket(ctx, req)
	if err != nil {
		return nil, err
	}

	state := stateFromStatus(t.Status)
	if state == StateNone {
		state = StateOpen
	}
	c.transition(state, t)
	c.logger.Info("ticket created", "ticketId", t.ID, "status", t.Status)
	return t, nil
}

// OnRemoteClosed forces the transition to StateClosed. The authoritative
// closure signal always wins over local state.
func (c *Controller) OnRemoteClosed() {
	c.mu.Lock()
	if c.ticket != nil {
		c.ticket.Closed = true
		c.ticket.Status = models.StatusClosed
	}
	c.mu.Unlock()
	c.transition(StateClosed, nil)
}

// OnStatusChanged applies an operator-driven status update. Out-of-order
// deliveries that would move the state backward are ignored; returns
// whether the update was applied.
func (c *Controller) OnStatusChanged(newStatus models.TicketStatus) bool {
	c.mu.Lock()
	next := stateFromStatus(newStatus)
	if next == StateNone || rank(next) < rank(c.state) {
		c.logger.Debug("ignoring stale status update",
			"current", c.state.String(), "incoming", string(newStatus))
		c.mu.Unlock()
		return false
	}
	if next == c.state {
		c.mu.Unlock()
		return false
	}
	if c.ticket != nil {
		c.ticket.Status = newStatus
	}
	c.mu.Unlock()
	c.transition(next, nil)
	return true
}

// Reset returns to StateNone so the next user action creates a new ticket.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.ticket = nil
	c.mu.Unlock()
	c.transition(StateNone, nil)
}

// transition applies the new state (and ticket, when non-nil) and fires
// the status hook outside the lock.
func (c *Controller) transition(next State, t *models.Ticket) {
	c.mu.Lock()
	if t != nil {
		c.ticket = t
	}
	changed := c.state != next
	c.state = next
	fn := c.onStatus
	c.mu.Unlock()

	if changed && fn != nil {
		fn(next)
	}
}

func stateFromStatus(s models.TicketStatus) State {
	switch s {
	case models.StatusOpen:
		return StateOpen
	case models.StatusInProgress:
		return StateInProgress
	case models.StatusClosed:
		return StateClosed
	default:
		return StateNone
	}
}

// rank orders states for the forward-only check. StateNone never arrives
// from the server so it ranks lowest.
func rank(s State) int {
	return int(s)
}
