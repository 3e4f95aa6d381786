package model

// Session is one backend-managed messaging account the dashboard can
// observe or join. PhoneNumber stays empty until pairing completes.
type Session struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	PhoneNumber string `json:"phoneNumber"`
	IsActive    bool   `json:"isActive"`
	IsConnected bool   `json:"isConnected"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// Chat is one conversation scoped to a session.
type Chat struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	IsGroup            bool   `json:"isGroup"`
	LastMessageAt      int64  `json:"lastMessageAt"`
	LastMessagePreview string `json:"lastMessagePreview"`
	UnreadCount        int    `json:"unreadCount"`
	MessageCount       int    `json:"messageCount"`
}

// Message is a server-confirmed message. Immutable after receipt
// except for the read flag.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chatId"`
	SessionID  string `json:"sessionId"`
	FromMe     bool   `json:"fromMe"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Body       string `json:"body"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	Read       bool   `json:"read"`
}

// LocalStatus is the delivery state of an optimistic message.
type LocalStatus string

const (
	StatusSending LocalStatus = "sending"
	StatusSent    LocalStatus = "sent"
	StatusFailed  LocalStatus = "failed"
)

// LocalMessage is a locally-originated message not yet confirmed by the
// server. LocalID is a client-generated correlation id; the entry is
// destroyed either by promotion to a canonical Message or by cleanup.
type LocalMessage struct {
	LocalID   string      `json:"localId"`
	ChatID    string      `json:"chatId"`
	SessionID string      `json:"sessionId"`
	FromMe    bool        `json:"fromMe"`
	Body      string      `json:"body"`
	Status    LocalStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Permissions grants for the currently joined session, fixed for the
// duration of the join.
type Permissions struct {
	CanRead        bool `json:"canRead"`
	CanWrite       bool `json:"canWrite"`
	CanManageChats bool `json:"canManageChats"`
}

// Pagination metadata returned alongside chat and message pages.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasMore    bool `json:"hasMore"`
}

// Manager is one user granted management access to a session.
type Manager struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	GrantedAt   int64  `json:"grantedAt"`
}

// Stats is the aggregate counters endpoint payload.
type Stats struct {
	TotalSessions     int `json:"totalSessions"`
	ConnectedSessions int `json:"connectedSessions"`
	TotalChats        int `json:"totalChats"`
	TotalMessages     int `json:"totalMessages"`
}
