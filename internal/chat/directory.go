// Package chat maintains the locally cached, paginated chat list for
// the currently joined session.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bridgewatch/internal/bus"
	"bridgewatch/internal/gateway"
	"bridgewatch/internal/model"
)

// ErrNotJoined is returned when a chat query is issued for a session
// the client has not joined. A join must complete before any chat or
// message query for that session.
var ErrNotJoined = errors.New("session is not joined")

// Caller is the request/acknowledgement surface of the push channel.
type Caller interface {
	Call(ctx context.Context, op string, params, out any) error
}

// Joined exposes the registry's joined-session pointer.
type Joined interface {
	JoinedID() string
}

// FetchOptions filters a chat page. The zero value is the default
// filter: groups and status broadcasts excluded.
type FetchOptions struct {
	Page          int
	Limit         int
	IncludeGroups bool
	IncludeStatus bool
	ChatType      string
}

// Directory holds the chat page for the joined session. Push updates
// merge into cached chats field by field; bulk-change pushes trigger a
// silent re-fetch of the first page.
type Directory struct {
	gw           Caller
	joined       Joined
	bus          *bus.Bus
	logger       *zap.Logger
	defaultLimit int

	mu         sync.Mutex
	sessionID  string
	chats      []model.Chat
	pagination model.Pagination
	lastOpts   FetchOptions

	cancel context.CancelFunc
}

// NewDirectory creates a chat directory.
func NewDirectory(gw Caller, joined Joined, b *bus.Bus, logger *zap.Logger, defaultLimit int) *Directory {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	return &Directory{
		gw:           gw,
		joined:       joined,
		bus:          b,
		logger:       logger,
		defaultLimit: defaultLimit,
	}
}

// Start subscribes the directory to gateway pushes and connection
// lifecycle events.
func (d *Directory) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	gwCh, gwUnsub := d.bus.Subscribe("gw.", 256)
	connCh, connUnsub := d.bus.Subscribe("conn.", 16)

	go func() {
		defer gwUnsub()
		defer connUnsub()
		for {
			select {
			case evt := <-gwCh:
				d.handleGatewayEvent(ctx, evt)
			case evt := <-connCh:
				if evt.Kind == bus.KindConnClosed {
					d.reset()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the directory's event loop.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Directory) handleGatewayEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindGwChatUpdated:
		if e, ok := evt.Payload.(gateway.ChatUpdatedEvent); ok && e.SessionID == d.joined.JoinedID() {
			d.mergeChat(e.Chat)
		}
	case bus.KindGwNewMessage:
		if e, ok := evt.Payload.(gateway.NewMessageEvent); ok && e.SessionID == d.joined.JoinedID() {
			d.mergeChat(e.Chat)
		}
	case bus.KindGwChatsUpdated:
		if e, ok := evt.Payload.(gateway.ChatsUpdatedEvent); ok && e.SessionID == d.joined.JoinedID() {
			d.refetchFirstPage(ctx)
		}
	}
}

// Fetch loads a page of chats for the joined session and replaces the
// cached page.
func (d *Directory) Fetch(ctx context.Context, sessionID string, opts FetchOptions) ([]model.Chat, model.Pagination, error) {
	if d.joined.JoinedID() != sessionID {
		return nil, model.Pagination{}, ErrNotJoined
	}
	if opts.Page <= 0 {
		opts.Page = 1
	}
	if opts.Limit <= 0 {
		opts.Limit = d.defaultLimit
	}

	var res gateway.ChatsResult
	err := d.gw.Call(ctx, gateway.OpGetChats, gateway.GetChatsParams{
		SessionID:     sessionID,
		Page:          opts.Page,
		Limit:         opts.Limit,
		IncludeGroups: opts.IncludeGroups,
		IncludeStatus: opts.IncludeStatus,
		ChatType:      opts.ChatType,
	}, &res)
	if err != nil {
		return nil, model.Pagination{}, err
	}

	d.mu.Lock()
	d.sessionID = sessionID
	d.chats = res.Chats
	d.pagination = res.Pagination
	d.lastOpts = opts
	page := d.pageLocked()
	d.mu.Unlock()

	d.bus.Emit(bus.KindChatsUpdated, page)
	return page.Chats, page.Pagination, nil
}

// MarkRead zeroes a chat's unread counter optimistically, before the
// round trip completes, and restores the prior value exactly if the
// round trip fails.
func (d *Directory) MarkRead(ctx context.Context, sessionID, chatID string) error {
	if d.joined.JoinedID() != sessionID {
		return ErrNotJoined
	}

	prior, found := d.setUnread(chatID, 0)
	if found {
		d.bus.Emit(bus.KindChatsUpdated, d.page())
	}

	var res gateway.MarkChatAsReadResult
	err := d.gw.Call(ctx, gateway.OpMarkChatAsRead, gateway.MarkChatAsReadParams{
		SessionID: sessionID,
		ChatID:    chatID,
	}, &res)
	if err != nil {
		if found {
			d.setUnread(chatID, prior)
			d.bus.Emit(bus.KindChatsUpdated, d.page())
		}
		return err
	}
	if res.Chat.ID != "" {
		d.mergeChat(res.Chat)
	}
	return nil
}

// Chats returns a copy of the cached page.
func (d *Directory) Chats() []model.Chat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Chat, len(d.chats))
	copy(out, d.chats)
	return out
}

// mergeChat merges a pushed chat into the cached page by id. Fields are
// replaced individually, never the whole object, so state the push does
// not carry survives. An unseen chat is inserted.
func (d *Directory) mergeChat(incoming model.Chat) {
	d.mu.Lock()
	next := make([]model.Chat, len(d.chats))
	copy(next, d.chats)

	idx := -1
	for i := range next {
		if next[i].ID == incoming.ID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		c := next[idx]
		if incoming.Name != "" {
			c.Name = incoming.Name
		}
		if incoming.LastMessageAt > 0 {
			c.LastMessageAt = incoming.LastMessageAt
			c.LastMessagePreview = incoming.LastMessagePreview
		}
		c.IsGroup = incoming.IsGroup
		c.UnreadCount = incoming.UnreadCount
		c.MessageCount = incoming.MessageCount
		next[idx] = c
	} else {
		next = append(next, incoming)
	}

	sort.SliceStable(next, func(i, j int) bool {
		return next[i].LastMessageAt > next[j].LastMessageAt
	})
	d.chats = next
	page := d.pageLocked()
	d.mu.Unlock()

	d.bus.Emit(bus.KindChatsUpdated, page)
}

// refetchFirstPage silently reloads page one with the last-used options
// after a bulk-change push.
func (d *Directory) refetchFirstPage(ctx context.Context) {
	d.mu.Lock()
	sessionID := d.sessionID
	opts := d.lastOpts
	d.mu.Unlock()
	if sessionID == "" {
		return
	}
	opts.Page = 1

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, _, err := d.Fetch(fetchCtx, sessionID, opts); err != nil {
		d.logger.Warn("chat refetch failed", zap.String("sessionId", sessionID), zap.Error(err))
	}
}

// setUnread replaces the unread counter of one chat, returning the
// prior value. Counters never go negative.
func (d *Directory) setUnread(chatID string, count int) (prior int, found bool) {
	if count < 0 {
		count = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	next := make([]model.Chat, len(d.chats))
	copy(next, d.chats)
	for i := range next {
		if next[i].ID == chatID {
			prior = next[i].UnreadCount
			next[i].UnreadCount = count
			d.chats = next
			return prior, true
		}
	}
	return 0, false
}

func (d *Directory) page() bus.ChatPage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageLocked()
}

func (d *Directory) pageLocked() bus.ChatPage {
	chats := make([]model.Chat, len(d.chats))
	copy(chats, d.chats)
	return bus.ChatPage{SessionID: d.sessionID, Chats: chats, Pagination: d.pagination}
}

func (d *Directory) reset() {
	d.mu.Lock()
	d.sessionID = ""
	d.chats = nil
	d.pagination = model.Pagination{}
	d.lastOpts = FetchOptions{}
	d.mu.Unlock()
}
