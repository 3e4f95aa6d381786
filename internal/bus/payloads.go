package bus

import "bridgewatch/internal/model"

// SessionJoined is the payload of sessions.joined.
type SessionJoined struct {
	SessionID   string
	Permissions model.Permissions
}

// SessionQR is the payload of sessions.qr.
type SessionQR struct {
	SessionID string
	Code      string
}

// ChatPage is the payload of chats.updated: the full cached page for the
// joined session.
type ChatPage struct {
	SessionID  string
	Chats      []model.Chat
	Pagination model.Pagination
}

// MessagePage is the payload of messages.updated: the merged canonical
// plus optimistic view for the open chat, sorted by timestamp.
type MessagePage struct {
	SessionID  string
	ChatID     string
	Messages   []MessageView
	Pagination model.Pagination
}

// MessageView is one entry of the merged message list: either a
// canonical server message or a still-optimistic local one.
type MessageView struct {
	Canonical *model.Message
	Local     *model.LocalMessage
}

// Timestamp returns the display timestamp regardless of which side of
// the union is populated.
func (v MessageView) Timestamp() int64 {
	if v.Canonical != nil {
		return v.Canonical.Timestamp
	}
	return v.Local.Timestamp
}

// Body returns the message text regardless of which side is populated.
func (v MessageView) Body() string {
	if v.Canonical != nil {
		return v.Canonical.Body
	}
	return v.Local.Body
}

// FromMe reports whether the entry was authored by this client's user.
func (v MessageView) FromMe() bool {
	if v.Canonical != nil {
		return v.Canonical.FromMe
	}
	return v.Local.FromMe
}

// SendFailed is the payload of messages.send_failed.
type SendFailed struct {
	LocalID string
	Error   string
}
