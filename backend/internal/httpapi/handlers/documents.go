package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"collabEngine/backend/internal/store"
)

type createDocumentReq struct {
	Title   string `json:"title" binding:"required"`
	DocType string `json:"docType" binding:"required"`
}

// Documents is the small REST surface next to the websocket endpoint:
// create a document row and resolve titles to ids.
type Documents struct {
	docs *store.DocumentStore
}

func NewDocuments(docs *store.DocumentStore) *Documents {
	return &Documents{docs: docs}
}

func (h *Documents) Create(c *gin.Context) {
	userID, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user context missing"})
		return
	}
	ownerID, ok := userID.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user id format"})
		return
	}

	var req createDocumentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	docID, err := h.docs.CreateDocument(c.Request.Context(), ownerID, req.DocType, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"docId":     docID,
		"ownerId":   ownerID,
		"docType":   req.DocType,
		"title":     req.Title,
		"createdAt": time.Now().Format(time.RFC3339),
	})
}

func (h *Documents) Get(c *gin.Context) {
	title := c.Query("title")
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title missing"})
		return
	}
	docID, err := h.docs.GetDocumentID(c.Request.Context(), title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "title": title})
}
