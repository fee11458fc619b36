package chat

import (
	"testing"
	"time"

	"github.com/nikzan/Multimodal-Support-System/internal/models"
)

func draft(sender models.SenderType, text string) models.ChatMessage {
	return models.ChatMessage{SenderType: sender, Text: text}
}

func confirmed(id int64, sender models.SenderType, text string, at time.Time) models.ChatMessage {
	return models.ChatMessage{
		ID:         id,
		TicketID:   42,
		SenderType: sender,
		Text:       text,
		CreatedAt:  at,
	}
}

func texts(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestOnPush_IdempotentMerge(t *testing.T) {
	log := NewLog(42, nil)
	msg := confirmed(1001, models.SenderOperator, "hello", time.Now())

	log.OnPush(msg)
	log.OnPush(msg)
	log.OnPush(msg)

	if got := log.Len(); got != 1 {
		t.Errorf("log has %d entries after duplicate pushes, want 1", got)
	}
}

func TestOnPush_OptimisticThenConfirmed(t *testing.T) {
	log := NewLog(42, nil)

	log.AppendOptimistic(draft(models.SenderClient, "Hello"))
	if got := log.Len(); got != 1 {
		t.Fatalf("log has %d entries after optimistic append, want 1", got)
	}

	log.OnPush(confirmed(1001, models.SenderClient, "Hello", time.Now()))

	msgs := log.Messages()
	if len(msgs) != 1 {
		t.Fatalf("log has %d entries after confirmation, want 1", len(msgs))
	}
	if msgs[0].Optimistic {
		t.Error("surviving entry is still optimistic, want confirmed")
	}
	if msgs[0].ID != 1001 {
		t.Errorf("surviving entry has id %d, want 1001", msgs[0].ID)
	}
	if got := log.PendingCount(); got != 0 {
		t.Errorf("PendingCount() = %d, want 0", got)
	}
}

func TestOnPush_FIFOMatchingNeverCrossed(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now()

	// Two client messages sent before either is confirmed.
	log.AppendOptimistic(draft(models.SenderClient, "first"))
	log.AppendOptimistic(draft(models.SenderClient, "second"))

	// Confirmations arrive in send order without echoed correlation keys.
	log.OnPush(confirmed(1, models.SenderClient, "first", base))
	log.OnPush(confirmed(2, models.SenderClient, "second", base.Add(time.Second)))

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries, want 2", len(msgs))
	}
	for i, want := range []struct {
		id   int64
		text string
	}{{1, "first"}, {2, "second"}} {
		if msgs[i].ID != want.id || msgs[i].Text != want.text {
			t.Errorf("entry %d = {id:%d, text:%q}, want {id:%d, text:%q}",
				i, msgs[i].ID, msgs[i].Text, want.id, want.text)
		}
	}
}

func TestOnPush_CorrelationKeyExactMatch(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now()

	first := log.AppendOptimistic(draft(models.SenderClient, "first"))
	second := log.AppendOptimistic(draft(models.SenderClient, "second"))

	// Confirmations arrive out of order, but the server echoed the keys:
	// exact matching must win over FIFO.
	c2 := confirmed(2, models.SenderClient, "second", base.Add(time.Second))
	c2.CorrelationKey = second.CorrelationKey
	log.OnPush(c2)

	c1 := confirmed(1, models.SenderClient, "first", base)
	c1.CorrelationKey = first.CorrelationKey
	log.OnPush(c1)

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries, want 2", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].Text != "first" {
		t.Errorf("entry 0 = {id:%d, text:%q}, want {id:1, text:%q}", msgs[0].ID, msgs[0].Text, "first")
	}
	if msgs[1].ID != 2 || msgs[1].Text != "second" {
		t.Errorf("entry 1 = {id:%d, text:%q}, want {id:2, text:%q}", msgs[1].ID, msgs[1].Text, "second")
	}
}

func TestOnPush_OperatorDoesNotConsumeClientDraft(t *testing.T) {
	log := NewLog(42, nil)

	log.AppendOptimistic(draft(models.SenderClient, "my question"))
	log.OnPush(confirmed(10, models.SenderOperator, "operator reply", time.Now()))

	if got := log.Len(); got != 2 {
		t.Fatalf("log has %d entries, want 2 (draft retained)", got)
	}
	if got := log.PendingCount(); got != 1 {
		t.Errorf("PendingCount() = %d, want 1", got)
	}
}

func TestReconcileWithHistory_Convergence(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now().Add(-time.Minute)

	// Already-reconciled state before the disconnect.
	log.OnPush(confirmed(1, models.SenderClient, "question", base))
	log.OnPush(confirmed(2, models.SenderOperator, "reply", base.Add(time.Second)))

	// One send still in flight when the channel dropped.
	log.AppendOptimistic(draft(models.SenderClient, "still in flight"))

	// Three messages fanned out while disconnected; full history refetch
	// after reconnect. The in-flight draft is not in the history yet.
	history := []models.ChatMessage{
		confirmed(1, models.SenderClient, "question", base),
		confirmed(2, models.SenderOperator, "reply", base.Add(time.Second)),
		confirmed(3, models.SenderOperator, "missed one", base.Add(2*time.Second)),
		confirmed(4, models.SenderOperator, "missed two", base.Add(3*time.Second)),
		confirmed(5, models.SenderOperator, "missed three", base.Add(4*time.Second)),
	}
	log.ReconcileWithHistory(history)

	msgs := log.Messages()
	if len(msgs) != 6 {
		t.Fatalf("log has %d entries, want 6 (history + pending draft): %v", len(msgs), texts(msgs))
	}
	for i, wantID := range []int64{1, 2, 3, 4, 5} {
		if msgs[i].ID != wantID {
			t.Errorf("entry %d has id %d, want %d", i, msgs[i].ID, wantID)
		}
	}
	last := msgs[5]
	if !last.Optimistic || last.Text != "still in flight" {
		t.Errorf("tail entry = {optimistic:%v, text:%q}, want retained draft", last.Optimistic, last.Text)
	}
}

func TestReconcileWithHistory_SupersedesOnlyMatched(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now()

	log.AppendOptimistic(draft(models.SenderClient, "first"))
	log.AppendOptimistic(draft(models.SenderClient, "second"))

	// History confirms only the first send so far.
	log.ReconcileWithHistory([]models.ChatMessage{
		confirmed(1, models.SenderClient, "first", base),
	})

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries, want 2: %v", len(msgs), texts(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].Optimistic {
		t.Errorf("entry 0 = {id:%d, optimistic:%v}, want confirmed id 1", msgs[0].ID, msgs[0].Optimistic)
	}
	if !msgs[1].Optimistic || msgs[1].Text != "second" {
		t.Errorf("entry 1 = {optimistic:%v, text:%q}, want retained draft", msgs[1].Optimistic, msgs[1].Text)
	}
}

func TestReconcileWithHistory_RepeatedRefetchIsStable(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now()

	history := []models.ChatMessage{
		confirmed(1, models.SenderClient, "a", base),
		confirmed(2, models.SenderOperator, "b", base.Add(time.Second)),
	}

	log.ReconcileWithHistory(history)
	log.ReconcileWithHistory(history)
	log.ReconcileWithHistory(history)

	if got := log.Len(); got != 2 {
		t.Errorf("log has %d entries after repeated refetch, want 2", got)
	}
}

func TestReconcileWithHistory_KnownIDsDoNotConsumeDrafts(t *testing.T) {
	log := NewLog(42, nil)
	base := time.Now()

	// A previous client message is already confirmed in the log.
	log.OnPush(confirmed(1, models.SenderClient, "earlier", base))
	log.AppendOptimistic(draft(models.SenderClient, "pending"))

	// Refetch returns only what the server has; the known id 1 must not
	// swallow the pending draft.
	log.ReconcileWithHistory([]models.ChatMessage{
		confirmed(1, models.SenderClient, "earlier", base),
	})

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries, want 2: %v", len(msgs), texts(msgs))
	}
	if !msgs[1].Optimistic {
		t.Error("pending draft was dropped by an already-known history entry")
	}
}

func TestAppendOptimistic_AssignsUniqueKeys(t *testing.T) {
	log := NewLog(42, nil)

	a := log.AppendOptimistic(draft(models.SenderClient, "a"))
	b := log.AppendOptimistic(draft(models.SenderClient, "b"))

	if a.CorrelationKey == "" || b.CorrelationKey == "" {
		t.Fatal("AppendOptimistic left a correlation key empty")
	}
	if a.CorrelationKey == b.CorrelationKey {
		t.Errorf("correlation keys collide: %q", a.CorrelationKey)
	}
	if !a.Optimistic || a.ID != 0 {
		t.Errorf("draft = {optimistic:%v, id:%d}, want optimistic with no server id", a.Optimistic, a.ID)
	}
}

func TestAppendOptimistic_FiresRenderHookSynchronously(t *testing.T) {
	log := NewLog(42, nil)

	var rendered [][]models.ChatMessage
	log.SetOnChange(func(msgs []models.ChatMessage) {
		rendered = append(rendered, msgs)
	})

	log.AppendOptimistic(draft(models.SenderClient, "hello"))

	if len(rendered) != 1 {
		t.Fatalf("render hook fired %d times, want 1", len(rendered))
	}
	if len(rendered[0]) != 1 || rendered[0][0].Text != "hello" {
		t.Errorf("render snapshot = %v, want the appended draft", texts(rendered[0]))
	}
}

func TestExpireOptimistic(t *testing.T) {
	log := NewLog(42, nil)

	stale := draft(models.SenderClient, "stale")
	stale.CreatedAt = time.Now().Add(-time.Minute)
	log.AppendOptimistic(stale)
	log.AppendOptimistic(draft(models.SenderClient, "fresh"))

	expired := log.ExpireOptimistic(time.Now().Add(-30 * time.Second))

	if expired != 1 {
		t.Errorf("ExpireOptimistic() = %d, want 1", expired)
	}
	msgs := log.Messages()
	if len(msgs) != 1 || msgs[0].Text != "fresh" {
		t.Errorf("log = %v, want only the fresh draft", texts(msgs))
	}
}

func TestSetTicketID_StampsPendingDrafts(t *testing.T) {
	log := NewLog(0, nil)
	log.AppendOptimistic(draft(models.SenderClient, "hello"))

	log.SetTicketID(42)

	msgs := log.Messages()
	if msgs[0].TicketID != 42 {
		t.Errorf("draft ticket id = %d, want 42", msgs[0].TicketID)
	}
	if log.TicketID() != 42 {
		t.Errorf("TicketID() = %d, want 42", log.TicketID())
	}
}

func TestSort_OptimisticStaysAtTailOnEqualTimestamps(t *testing.T) {
	log := NewLog(42, nil)
	at := time.Now()

	d := draft(models.SenderClient, "draft")
	d.CreatedAt = at
	log.AppendOptimistic(d)
	log.OnPush(confirmed(1, models.SenderOperator, "op", at))

	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log has %d entries, want 2", len(msgs))
	}
	if msgs[0].Optimistic || !msgs[1].Optimistic {
		t.Errorf("order = %v, want confirmed before draft on equal timestamps", texts(msgs))
	}
}
