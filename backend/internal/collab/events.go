package collab

import "time"

// Event is anything the engine publishes for the durable-persistence
// subscriber. The partition key keeps per-document (or per-channel) ordering
// inside Kafka.
type Event interface {
	PartitionKey() string
}

// DocOpEvent mirrors an accepted edit operation.
type DocOpEvent struct {
	EventType    string        `json:"eventType"` // fixed "OP_APPLIED"
	DocID        string        `json:"docId"`
	DocType      string        `json:"docType"`
	OperationID  string        `json:"operationId"`
	Revision     uint64        `json:"revision"`
	AuthorID     uint64        `json:"authorId"`
	BaseRevision uint64        `json:"baseRevision"`
	Op           EditOperation `json:"op"`
	AppliedAt    time.Time     `json:"appliedAt"`
}

func (e DocOpEvent) PartitionKey() string { return e.DocID }

// ChatMessageEvent mirrors an appended chat message.
type ChatMessageEvent struct {
	EventType  string         `json:"eventType"` // fixed "MESSAGE_SENT"
	ChannelID  string         `json:"channelId"`
	MessageID  string         `json:"messageId"`
	AuthorID   uint64         `json:"authorId"`
	AuthorName string         `json:"authorName"`
	Content    string         `json:"content"`
	Kind       string         `json:"kind"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func (e ChatMessageEvent) PartitionKey() string { return e.ChannelID }
