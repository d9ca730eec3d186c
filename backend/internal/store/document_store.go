package store

import (
	"context"
	"database/sql"
	"strconv"
)

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// GetDocumentID resolves a title to its document id. Callers distinguish
// "not found" with sql.ErrNoRows.
func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	return docID, err
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, docType, title string) (string, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (owner_id, doc_type, title) VALUES (?, ?, ?)`,
		ownerID,
		docType,
		title,
	)
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
