package gateway

import (
	"encoding/json"

	"bridgewatch/internal/model"
)

// Frame types for the push-channel protocol.
const (
	FrameTypeRequest = "req"
	FrameTypeAck     = "ack"
	FrameTypeEvent   = "event"
)

// Frame is the envelope for all push-channel messages. The Type field
// discriminates between request, acknowledgement and event frames.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID      string          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Acknowledgement fields: exactly one ack per request id, carrying
	// {success, data?, message?}.
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`

	// Event fields (server push, no ack)
	Event string `json:"event,omitempty"`
}

// Request/acknowledgement operations.
const (
	OpJoinSession      = "join_session"
	OpLeaveSession     = "leave_session"
	OpGetChats         = "get_chats"
	OpGetMessages      = "get_messages"
	OpSendMessage      = "send_message"
	OpMarkChatAsRead   = "mark_chat_as_read"
	OpGetSessionStatus = "get_session_status"
)

// Server push events.
const (
	EventNewMessage    = "new_message"
	EventChatsUpdated  = "chats_updated"
	EventChatUpdated   = "chat_updated"
	EventSessionStatus = "session_status"
)

// JoinParams is the payload of join_session and leave_session.
type JoinParams struct {
	SessionID string `json:"sessionId"`
}

// JoinResult is the data of a successful join_session ack.
type JoinResult struct {
	Session     model.Session     `json:"session"`
	Permissions model.Permissions `json:"permissions"`
}

// GetChatsParams is the payload of get_chats.
type GetChatsParams struct {
	SessionID     string `json:"sessionId"`
	Page          int    `json:"page"`
	Limit         int    `json:"limit"`
	IncludeGroups bool   `json:"includeGroups"`
	IncludeStatus bool   `json:"includeStatus"`
	ChatType      string `json:"chatType,omitempty"`
}

// ChatsResult is the data of a get_chats ack.
type ChatsResult struct {
	Chats      []model.Chat     `json:"chats"`
	Pagination model.Pagination `json:"pagination"`
}

// GetMessagesParams is the payload of get_messages.
type GetMessagesParams struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
	Page      int    `json:"page"`
	Limit     int    `json:"limit"`
}

// MessagesResult is the data of a get_messages ack.
type MessagesResult struct {
	Messages   []model.Message  `json:"messages"`
	Pagination model.Pagination `json:"pagination"`
}

// SendMessageParams is the payload of send_message.
type SendMessageParams struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
	Message   string `json:"message"`
}

// MarkChatAsReadParams is the payload of mark_chat_as_read.
type MarkChatAsReadParams struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
}

// MarkChatAsReadResult is the data of a mark_chat_as_read ack.
type MarkChatAsReadResult struct {
	MarkedCount int        `json:"markedCount"`
	Chat        model.Chat `json:"chat"`
}

// SessionStatusParams is the payload of get_session_status.
type SessionStatusParams struct {
	SessionID string `json:"sessionId"`
}

// SessionStatusResult is the data of a get_session_status ack.
type SessionStatusResult struct {
	Session model.Session `json:"session"`
}

// NewMessageEvent is the payload of the new_message push.
type NewMessageEvent struct {
	SessionID string        `json:"sessionId"`
	CompanyID string        `json:"companyId"`
	Chat      model.Chat    `json:"chat"`
	Message   model.Message `json:"message"`
}

// ChatUpdatedEvent is the payload of the chat_updated push.
type ChatUpdatedEvent struct {
	SessionID string     `json:"sessionId"`
	CompanyID string     `json:"companyId"`
	Chat      model.Chat `json:"chat"`
}

// ChatsUpdatedEvent is the payload of the chats_updated push.
type ChatsUpdatedEvent struct {
	SessionID string `json:"sessionId"`
	CompanyID string `json:"companyId"`
}

// SessionStatusEvent is the payload of the session_status push. Optional
// fields are pointers so an absent field is distinguishable from a
// zero value and the cached session is updated atomically.
type SessionStatusEvent struct {
	SessionID   string  `json:"sessionId"`
	Status      string  `json:"status"`
	QRCode      *string `json:"qrCode,omitempty"`
	PhoneNumber *string `json:"phoneNumber,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	IsConnected *bool   `json:"isConnected,omitempty"`
}

// NewRequest creates a request frame with the given correlation id.
func NewRequest(id, op string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeRequest, ID: id, Op: op, Payload: raw}, nil
}

// NewAck creates an acknowledgement frame (used by test servers).
func NewAck(id string, success bool, data any, message string) (Frame, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: FrameTypeAck, ID: id, Success: &success, Data: raw, Message: message}, nil
}

// NewEvent creates an event frame (used by test servers).
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameTypeEvent, Event: event, Payload: raw}, nil
}
