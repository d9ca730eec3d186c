package chat

// Server -> client chat events.

type NewMessageEvent struct {
	Type    string  `json:"type"` // fixed "new_message"
	Message Message `json:"message"`
}

func (e NewMessageEvent) MessageType() string { return e.Type }

type ChatHistoryEvent struct {
	Type      string    `json:"type"` // fixed "chat_history"
	ChannelID string    `json:"channelId"`
	Messages  []Message `json:"messages"`
}

func (e ChatHistoryEvent) MessageType() string { return e.Type }

type UserTypingEvent struct {
	Type      string `json:"type"` // fixed "user_typing"
	ChannelID string `json:"channelId"`
	UserID    uint64 `json:"userId"`
	Username  string `json:"username"`
}

func (e UserTypingEvent) MessageType() string { return e.Type }

type UserStoppedTypingEvent struct {
	Type      string `json:"type"` // fixed "user_stopped_typing"
	ChannelID string `json:"channelId"`
	UserID    uint64 `json:"userId"`
}

func (e UserStoppedTypingEvent) MessageType() string { return e.Type }
