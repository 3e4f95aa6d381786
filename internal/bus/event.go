package bus

import "time"

// Event is a notification published to UI subscribers. Payloads are
// complete snapshots; consumers never observe partially updated state.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine, grouped by namespace. Subscribers
// filter on a namespace prefix ("conn.", "sessions.", "chats.",
// "messages.", "gw.").
const (
	// Connection lifecycle.
	KindConnUp     = "conn.up"     // payload ConnUp
	KindConnDown   = "conn.down"   // payload error code string
	KindConnClosed = "conn.closed" // user-initiated teardown, no payload
	KindConnError  = "conn.error"  // payload *gwerr.Error, deduped by code

	// Raw gateway pushes, decoded into typed payloads by the gateway
	// package and consumed by the registry, directory and reconciler.
	KindGwNewMessage    = "gw.new_message"
	KindGwChatUpdated   = "gw.chat_updated"
	KindGwChatsUpdated  = "gw.chats_updated"
	KindGwSessionStatus = "gw.session_status"

	// Session registry snapshots.
	KindSessionsUpdated = "sessions.updated" // payload []model.Session
	KindSessionJoined   = "sessions.joined"  // payload SessionJoined
	KindSessionLeft     = "sessions.left"
	KindSessionQR       = "sessions.qr" // payload SessionQR

	// Chat directory snapshots.
	KindChatsUpdated = "chats.updated" // payload ChatPage

	// Merged message view snapshots.
	KindMessagesUpdated   = "messages.updated" // payload MessagePage
	KindMessageSendFailed = "messages.send_failed"
)

// ConnUp is published after a successful (re)connect. Resync is set when
// the connection recovered from an involuntary drop and cached state can
// no longer be trusted.
type ConnUp struct {
	Resync bool
}
