package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"collabEngine/backend/internal/chat"
)

// MessageRecord is the chat archive row. Metadata is stored as JSON text.
type MessageRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	ChannelID  string `gorm:"index;size:64"`
	AuthorID   uint64
	AuthorName string `gorm:"size:64"`
	Content    string `gorm:"type:text"`
	Kind       string `gorm:"size:16"`
	Metadata   string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (MessageRecord) TableName() string { return "chat_messages" }

type MessageStore struct{ db *gorm.DB }

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, msg chat.Message) error {
	rec := MessageRecord{
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
		Kind:       string(msg.Kind),
		CreatedAt:  msg.CreatedAt,
		UpdatedAt:  msg.UpdatedAt,
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return err
		}
		rec.Metadata = string(raw)
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns the last limit messages for a channel in chronological
// order.
func (s *MessageStore) Recent(ctx context.Context, channelID string, limit int) ([]chat.Message, error) {
	var recs []MessageRecord
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		msg := chat.Message{
			ID:         rec.ID,
			ChannelID:  rec.ChannelID,
			AuthorID:   rec.AuthorID,
			AuthorName: rec.AuthorName,
			Content:    rec.Content,
			Kind:       chat.MessageKind(rec.Kind),
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		}
		if rec.Metadata != "" {
			_ = json.Unmarshal([]byte(rec.Metadata), &msg.Metadata)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
