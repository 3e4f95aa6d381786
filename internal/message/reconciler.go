// Package message implements the reconciler for the open chat: the
// canonical message cache, the optimistic set of locally-originated
// messages, and the merge that keeps the visible list ordered and free
// of duplicates.
package message

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/gateway"
	"bridgewatch/internal/model"
)

// ErrNotJoined is returned when a message operation targets a session
// the client has not joined.
var ErrNotJoined = errors.New("session is not joined")

// ErrChatNotOpen is returned when a send targets a chat other than the
// open one. The optimistic set belongs to the open chat; an entry for
// another chat could never be rendered or promoted.
var ErrChatNotOpen = errors.New("chat is not open")

// Caller is the request/acknowledgement surface of the push channel.
type Caller interface {
	Call(ctx context.Context, op string, params, out any) error
}

// Joined exposes the registry's joined-session pointer.
type Joined interface {
	JoinedID() string
}

// Reconciler drives the send/confirm/fail state machine for outgoing
// messages and merges optimistic entries with the authoritative copies
// echoed back by the server.
type Reconciler struct {
	gw           Caller
	joined       Joined
	bus          *bus.Bus
	logger       *zap.Logger
	retention    time.Duration
	defaultLimit int
	now          func() time.Time

	mu         sync.Mutex
	sessionID  string
	chatID     string
	epoch      int
	canonical  []model.Message
	optimistic []model.LocalMessage
	pagination model.Pagination

	cancel context.CancelFunc
}

// NewReconciler creates a message reconciler. retention bounds how long
// a sent-but-unconfirmed optimistic message may linger before the age
// purge removes it.
func NewReconciler(gw Caller, joined Joined, b *bus.Bus, logger *zap.Logger, retention time.Duration, defaultLimit int) *Reconciler {
	if retention <= 0 {
		retention = time.Minute
	}
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &Reconciler{
		gw:           gw,
		joined:       joined,
		bus:          b,
		logger:       logger,
		retention:    retention,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Start subscribes the reconciler to gateway pushes and runs the
// retention purge ticker.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	gwCh, gwUnsub := r.bus.Subscribe("gw.", 256)
	connCh, connUnsub := r.bus.Subscribe("conn.", 16)

	go func() {
		defer gwUnsub()
		defer connUnsub()
		ticker := time.NewTicker(r.retention / 2)
		defer ticker.Stop()
		for {
			select {
			case evt := <-gwCh:
				if evt.Kind == bus.KindGwNewMessage {
					if e, ok := evt.Payload.(gateway.NewMessageEvent); ok && e.SessionID == r.joined.JoinedID() {
						r.ApplyNewMessage(e.Message)
					}
				}
			case evt := <-connCh:
				if evt.Kind == bus.KindConnClosed {
					r.reset()
				}
			case <-ticker.C:
				r.PurgeStale()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the reconciler's event loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Open switches the reconciler to a chat: it fetches that chat's page,
// replaces the canonical cache and clears all optimistic entries. A
// response that arrives after the open-chat pointer moved again is
// discarded, never applied.
func (r *Reconciler) Open(ctx context.Context, sessionID, chatID string, page, limit int) error {
	if r.joined.JoinedID() != sessionID {
		return ErrNotJoined
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = r.defaultLimit
	}

	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	r.sessionID = sessionID
	r.chatID = chatID
	r.canonical = nil
	r.optimistic = nil
	r.mu.Unlock()

	var res gateway.MessagesResult
	err := r.gw.Call(ctx, gateway.OpGetMessages, gateway.GetMessagesParams{
		SessionID: sessionID,
		ChatID:    chatID,
		Page:      page,
		Limit:     limit,
	}, &res)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		r.logger.Debug("discarding stale message fetch", zap.String("chatId", chatID))
		return nil
	}
	r.canonical = res.Messages
	r.pagination = res.Pagination
	view := r.pageLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindMessagesUpdated, view)
	return nil
}

// Send dispatches a message to the open chat. The optimistic entry is
// visible before any network round trip completes; the ack promotes it
// to sent, and an ack failure or timeout marks it failed with the error
// text. Failed messages are never retried automatically. Sending to a
// chat that is not open is rejected with ErrChatNotOpen.
func (r *Reconciler) Send(ctx context.Context, sessionID, chatID, body string) (string, error) {
	if r.joined.JoinedID() != sessionID {
		return "", ErrNotJoined
	}

	local := model.LocalMessage{
		LocalID:   uuid.New().String(),
		ChatID:    chatID,
		SessionID: sessionID,
		FromMe:    true,
		Body:      body,
		Status:    model.StatusSending,
		Timestamp: r.now().UnixMilli(),
	}

	r.mu.Lock()
	if r.chatID != chatID {
		// Checked under the same lock as the append so a concurrent
		// chat switch cannot slip an entry into the wrong view.
		r.mu.Unlock()
		return "", ErrChatNotOpen
	}
	next := make([]model.LocalMessage, 0, len(r.optimistic)+1)
	next = append(next, r.optimistic...)
	next = append(next, local)
	r.optimistic = next
	view := r.pageLocked()
	r.mu.Unlock()
	r.bus.Emit(bus.KindMessagesUpdated, view)

	err := r.gw.Call(ctx, gateway.OpSendMessage, gateway.SendMessageParams{
		SessionID: sessionID,
		ChatID:    chatID,
		Message:   body,
	}, nil)
	if err != nil {
		r.transition(local.LocalID, model.StatusFailed, err.Error())
		r.bus.Emit(bus.KindMessageSendFailed, bus.SendFailed{LocalID: local.LocalID, Error: err.Error()})
		return local.LocalID, err
	}

	r.transition(local.LocalID, model.StatusSent, "")
	return local.LocalID, nil
}

// ApplyNewMessage merges an authoritative message pushed for the open
// chat. A matching optimistic entry (same chat, body and direction,
// still sending or sent) is promoted: removed from the optimistic set
// and replaced by the canonical copy, exactly once. Without a match the
// message is appended, covering peers' messages and out-of-order
// arrivals.
func (r *Reconciler) ApplyNewMessage(msg model.Message) {
	r.mu.Lock()
	if msg.ChatID != r.chatID {
		r.mu.Unlock()
		return
	}
	for _, c := range r.canonical {
		if c.ID == msg.ID {
			// Already applied; promotion is idempotent.
			r.mu.Unlock()
			return
		}
	}

	match := -1
	for i, lm := range r.optimistic {
		if lm.ChatID == msg.ChatID && lm.Body == msg.Body && lm.FromMe == msg.FromMe &&
			(lm.Status == model.StatusSending || lm.Status == model.StatusSent) {
			match = i
			break
		}
	}
	if match >= 0 {
		next := make([]model.LocalMessage, 0, len(r.optimistic)-1)
		next = append(next, r.optimistic[:match]...)
		next = append(next, r.optimistic[match+1:]...)
		r.optimistic = next
	}

	canonical := make([]model.Message, 0, len(r.canonical)+1)
	canonical = append(canonical, r.canonical...)
	canonical = append(canonical, msg)
	r.canonical = canonical
	view := r.pageLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindMessagesUpdated, view)
}

// RemoveFailed deletes a failed optimistic entry; this is the user's
// explicit resolution path.
func (r *Reconciler) RemoveFailed(localID string) {
	r.mu.Lock()
	next := make([]model.LocalMessage, 0, len(r.optimistic))
	for _, lm := range r.optimistic {
		if lm.LocalID == localID && lm.Status == model.StatusFailed {
			continue
		}
		next = append(next, lm)
	}
	r.optimistic = next
	view := r.pageLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindMessagesUpdated, view)
}

// PurgeStale removes sent optimistic entries older than the retention
// window, a safety net against a missed push leaving a stale duplicate
// visible indefinitely. Sending and failed entries are never purged by
// age; the user resolves those explicitly.
func (r *Reconciler) PurgeStale() {
	cutoff := r.now().UnixMilli() - r.retention.Milliseconds()

	r.mu.Lock()
	purged := 0
	next := make([]model.LocalMessage, 0, len(r.optimistic))
	for _, lm := range r.optimistic {
		if lm.Status == model.StatusSent && lm.Timestamp < cutoff {
			purged++
			continue
		}
		next = append(next, lm)
	}
	if purged == 0 {
		r.mu.Unlock()
		return
	}
	r.optimistic = next
	view := r.pageLocked()
	r.mu.Unlock()

	r.logger.Debug("purged stale optimistic messages", zap.Int("count", purged))
	r.bus.Emit(bus.KindMessagesUpdated, view)
}

// View returns the merged message list for the open chat: canonical
// plus remaining optimistic entries, ascending by timestamp.
func (r *Reconciler) View() []bus.MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergedLocked()
}

// OpenChatID returns the id of the currently open chat, or empty.
func (r *Reconciler) OpenChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatID
}

// transition advances one optimistic entry's status. Transitions only
// move forward; a sent entry can never become failed because failures
// occur only before the ack resolves.
func (r *Reconciler) transition(localID string, status model.LocalStatus, errText string) {
	r.mu.Lock()
	next := make([]model.LocalMessage, len(r.optimistic))
	copy(next, r.optimistic)
	found := false
	for i := range next {
		if next[i].LocalID == localID {
			next[i].Status = status
			next[i].Error = errText
			found = true
			break
		}
	}
	if !found {
		// The entry was cleared by a chat switch or already promoted.
		r.mu.Unlock()
		return
	}
	r.optimistic = next
	view := r.pageLocked()
	r.mu.Unlock()

	r.bus.Emit(bus.KindMessagesUpdated, view)
}

func (r *Reconciler) pageLocked() bus.MessagePage {
	return bus.MessagePage{
		SessionID:  r.sessionID,
		ChatID:     r.chatID,
		Messages:   r.mergedLocked(),
		Pagination: r.pagination,
	}
}

func (r *Reconciler) mergedLocked() []bus.MessageView {
	merged := make([]bus.MessageView, 0, len(r.canonical)+len(r.optimistic))
	for i := range r.canonical {
		merged = append(merged, bus.MessageView{Canonical: &r.canonical[i]})
	}
	for i := range r.optimistic {
		merged = append(merged, bus.MessageView{Local: &r.optimistic[i]})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp() < merged[j].Timestamp()
	})
	return merged
}

func (r *Reconciler) reset() {
	r.mu.Lock()
	r.sessionID = ""
	r.chatID = ""
	r.epoch++
	r.canonical = nil
	r.optimistic = nil
	r.pagination = model.Pagination{}
	r.mu.Unlock()
}
