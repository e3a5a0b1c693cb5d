package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/models"
	"chat-relay/internal/repositories"
)

// FriendHandler manages the friendship edges that gate messaging.
type FriendHandler struct {
	friends repositories.FriendStore
}

// NewFriendHandler builds a FriendHandler.
func NewFriendHandler(friends repositories.FriendStore) *FriendHandler {
	return &FriendHandler{friends: friends}
}

func (h *FriendHandler) ListFriends(c *gin.Context) {
	list, err := h.friends.ListFriends(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load friends"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": list})
}

// SetStatus creates or updates the friendship between the caller and :user_id.
func (h *FriendHandler) SetStatus(c *gin.Context) {
	otherID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || otherID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	var req struct {
		Status models.FriendStatus `json:"status" binding:"required,oneof=pending accepted blocked"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	f, err := h.friends.SetStatus(c.Request.Context(), userID, otherID, req.Status, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrSelfFriendship) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, repositories.ErrFriendTransition) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update friendship"})
		return
	}

	c.JSON(http.StatusOK, f)
}
