package feishu

// MessageEvent is the event envelope Feishu delivers for
// im.message.receive_v1, over both the WebSocket and webhook transports.
type MessageEvent struct {
	Schema string       `json:"schema"`
	Header EventHeader  `json:"header"`
	Event  MessageInner `json:"event"`
}

// EventHeader carries the event routing/auth metadata common to every
// Feishu event type.
type EventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	CreatedAt string `json:"create_time"`
	Token     string `json:"token"`
	AppID     string `json:"app_id"`
	TenantKey string `json:"tenant_key"`
}

// MessageInner is the event body for im.message.receive_v1.
type MessageInner struct {
	Sender  EventSender  `json:"sender"`
	Message EventMessage `json:"message"`
}

type EventSender struct {
	SenderID   OpenIDTriple `json:"sender_id"`
	SenderType string       `json:"sender_type"`
}

type OpenIDTriple struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
}

// EventMessage describes the message itself: IDs, chat placement, content,
// and any @-mentions.
type EventMessage struct {
	MessageID   string        `json:"message_id"`
	RootID      string        `json:"root_id"`
	ParentID    string        `json:"parent_id"`
	ChatID      string        `json:"chat_id"`
	ChatType    string        `json:"chat_type"` // "p2p" or "group"
	MessageType string        `json:"message_type"`
	Content     string        `json:"content"` // raw JSON, shape depends on MessageType
	Mentions    []EventMention `json:"mentions"`
}

type EventMention struct {
	Key  string       `json:"key"` // @_user_N placeholder in Content
	ID   OpenIDTriple `json:"id"`
	Name string       `json:"name"`
}
