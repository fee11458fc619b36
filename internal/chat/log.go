// Package chat maintains the ordered message log for one ticket,
// reconciling locally-originated optimistic entries with server-confirmed
// messages arriving over push or history refetch.
package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

// Log is the reconciled message log of a single ticket.
//
// Invariant: the log holds at most one entry per correlation key — either
// the optimistic draft or the confirmed message that superseded it, never
// both. Confirmed entries are unique by server ID.
type Log struct {
	mu       sync.Mutex
	ticketID int64
	entries  []models.ChatMessage
	onChange func([]models.ChatMessage)
	logger   *slog.Logger
}

// NewLog creates an empty log for the given ticket. A zero ticket ID is
// valid during the create-ticket flow; call SetTicketID once assigned.
func NewLog(ticketID int64, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{ticketID: ticketID, logger: logger}
}

// SetOnChange installs the render hook, invoked with a snapshot after every
// mutation that changed the log.
func (l *Log) SetOnChange(fn func([]models.ChatMessage)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// SetTicketID adopts the server-assigned ticket ID after ticket creation
// and stamps it onto optimistic entries appended before the ID was known.
func (l *Log) SetTicketID(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticketID = id
	for i := range l.entries {
		if l.entries[i].TicketID == 0 {
			l.entries[i].TicketID = id
		}
	}
}

// TicketID returns the ticket this log belongs to.
func (l *Log) TicketID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticketID
}

// AppendOptimistic assigns a correlation key to the draft, marks it
// optimistic and appends it at the tail, then fires the render hook.
//
// This must run synchronously with the user action: the draft is visible
// before any network round-trip completes.
func (l *Log) AppendOptimistic(draft models.ChatMessage) models.ChatMessage {
	l.mu.Lock()

	draft.ID = 0
	draft.Optimistic = true
	if draft.CorrelationKey == "" {
		draft.CorrelationKey = uuid.NewString()
	}
	if draft.TicketID == 0 {
		draft.TicketID = l.ticketID
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, draft)

	l.logger.Debug("optimistic entry appended",
		"correlationKey", draft.CorrelationKey, "sender", draft.SenderType)

	l.notifyLocked()
	return draft
}

// ReconcileWithHistory replaces the log's confirmed portion with the full
// server history and removes exactly those optimistic entries the history
// supersedes. Unmatched optimistic entries (e.g. still in flight) are
// retained until confirmed or expired by the caller.
func (l *Log) ReconcileWithHistory(serverMessages []models.ChatMessage) {
	l.mu.Lock()

	// Dedupe the history by server ID and note which IDs the log already
	// holds: only genuinely new confirmed messages may consume a pending
	// optimistic entry.
	known := make(map[int64]bool, len(l.entries))
	for _, e := range l.entries {
		if e.Confirmed() {
			known[e.ID] = true
		}
	}

	confirmed := make([]models.ChatMessage, 0, len(serverMessages))
	seen := make(map[int64]bool, len(serverMessages))
	for _, m := range serverMessages {
		if !m.Confirmed() || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.Optimistic = false
		confirmed = append(confirmed, m)
	}

	pending := l.pendingLocked()
	for _, m := range confirmed {
		if known[m.ID] {
			continue
		}
		l.matchLocked(pending, m)
	}

	remaining := make([]models.ChatMessage, 0, len(pending))
	for _, p := range pending {
		if !p.matched {
			remaining = append(remaining, p.entry)
		}
	}

	l.entries = append(confirmed, remaining...)
	l.sortLocked()
	l.notifyLocked()
}

// OnPush applies a single confirmed message using the same matching rule
// as a history refetch. Redelivery of an already-known server ID is a no-op.
func (l *Log) OnPush(confirmed models.ChatMessage) {
	if !confirmed.Confirmed() {
		l.logger.Warn("dropping push without server id", "sender", confirmed.SenderType)
		return
	}

	l.mu.Lock()

	for _, e := range l.entries {
		if e.Confirmed() && e.ID == confirmed.ID {
			l.mu.Unlock()
			return
		}
	}

	confirmed.Optimistic = false
	pending := l.pendingLocked()
	if p := l.matchLocked(pending, confirmed); p != nil {
		// Supersede the draft in place.
		l.entries[p.index] = confirmed
	} else {
		l.entries = append(l.entries, confirmed)
	}

	l.sortLocked()
	l.notifyLocked()
}

// ExpireOptimistic drops optimistic entries created before the cutoff and
// returns how many were removed. The engine never drops pending entries on
// its own; the owner calls this when a send has definitively timed out.
func (l *Log) ExpireOptimistic(cutoff time.Time) int {
	l.mu.Lock()

	kept := l.entries[:0]
	expired := 0
	for _, e := range l.entries {
		if e.Optimistic && e.CreatedAt.Before(cutoff) {
			expired++
			l.logger.Info("optimistic entry expired", "correlationKey", e.CorrelationKey)
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept

	if expired == 0 {
		l.mu.Unlock()
		return 0
	}
	l.notifyLocked()
	return expired
}

// Messages returns a snapshot of the current log.
func (l *Log) Messages() []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// PendingCount returns the number of optimistic entries awaiting
// confirmation.
func (l *Log) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Optimistic {
			n++
		}
	}
	return n
}

// pendingEntry tracks one optimistic entry during a matching pass.
type pendingEntry struct {
	entry   models.ChatMessage
	index   int
	matched bool
}

func (l *Log) pendingLocked() []*pendingEntry {
	var pending []*pendingEntry
	for i, e := range l.entries {
		if e.Optimistic {
			pending = append(pending, &pendingEntry{entry: e, index: i})
		}
	}
	return pending
}

// matchLocked finds the optimistic entry a confirmed message supersedes:
// exact correlation-key match when the server echoed one, otherwise the
// oldest unmatched optimistic entry of the same sender (FIFO). Returns nil
// when the message confirms nothing pending.
func (l *Log) matchLocked(pending []*pendingEntry, confirmed models.ChatMessage) *pendingEntry {
	if confirmed.CorrelationKey != "" {
		for _, p := range pending {
			if !p.matched && p.entry.CorrelationKey == confirmed.CorrelationKey {
				p.matched = true
				return p
			}
		}
		// An echoed key that matches nothing falls through to FIFO: the
		// draft may predate correlation support on either side.
	}
	for _, p := range pending {
		if p.matched || p.entry.SenderType != confirmed.SenderType {
			continue
		}
		if p.entry.TicketID != 0 && confirmed.TicketID != 0 && p.entry.TicketID != confirmed.TicketID {
			continue
		}
		p.matched = true
		return p
	}
	return nil
}

// sortLocked orders the log by creation time. On equal timestamps
// confirmed entries precede optimistic ones so a draft stays at the tail
// of its sender's subsequence.
func (l *Log) sortLocked() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		a, b := l.entries[i], l.entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return !a.Optimistic && b.Optimistic
	})
}

func (l *Log) snapshotLocked() []models.ChatMessage {
	out := make([]models.ChatMessage, len(l.entries))
	copy(out, l.entries)
	return out
}

// notifyLocked releases the lock and fires the render hook with a snapshot.
func (l *Log) notifyLocked() {
	fn := l.onChange
	snapshot := l.snapshotLocked()
	l.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
