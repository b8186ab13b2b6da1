package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/miauth/adapters/twofactor"
	"github.com/layer-3/miauth/core"
	"github.com/layer-3/miauth/service"
)

// LoginHandlers contains HTTP handlers for login endpoints
type LoginHandlers struct {
	ctx     context.Context
	tracker *service.Tracker
	bridge  *twofactor.Bridge
	board   *twofactor.Board
}

// NewLoginHandlers creates new login handlers
func NewLoginHandlers(ctx context.Context, tracker *service.Tracker, bridge *twofactor.Bridge, board *twofactor.Board) *LoginHandlers {
	return &LoginHandlers{
		ctx:     ctx,
		tracker: tracker,
		bridge:  bridge,
		board:   board,
	}
}

type statusResponse struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	NotificationURL string    `json:"notification_url,omitempty"`
	Ticket          string    `json:"ticket,omitempty"`
	Error           string    `json:"error,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	CUserID         string    `json:"c_user_id,omitempty"`
	SSecurity       string    `json:"ssecurity,omitempty"`
	PassToken       string    `json:"pass_token,omitempty"`
	ServiceToken    string    `json:"service_token,omitempty"`
	Cookies         int       `json:"cookies"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Start begins a login attempt in the background
func (h *LoginHandlers) Start(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	a := h.tracker.Start(h.ctx, core.Credentials{Username: req.Username, Password: req.Password}, h.bridge)

	c.JSON(http.StatusAccepted, gin.H{
		"attempt_id": a.ID(),
		"state":      a.State().String(),
	})
}

// Status reports the progress of an attempt. Session identifiers are only
// included once the attempt completed.
func (h *LoginHandlers) Status(c *gin.Context) {
	a, err := h.tracker.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Login attempt not found"})
		return
	}

	st := a.Status()
	resp := statusResponse{
		ID:              st.ID,
		State:           st.State,
		NotificationURL: st.NotificationURL,
		Error:           st.Error,
		Cookies:         st.Cookies,
		StartedAt:       st.StartedAt,
		UpdatedAt:       st.UpdatedAt,
	}

	if st.NotificationURL != "" {
		if p, ok := h.board.Lookup(st.ID); ok {
			resp.Ticket = p.Ticket
		}
	}

	if st.Context.Complete() {
		resp.UserID = st.Context.UserID
		resp.CUserID = st.Context.CUserID
		resp.SSecurity = st.Context.SSecurity
		resp.PassToken = st.Context.PassToken
		resp.ServiceToken = st.Context.ServiceToken
	}

	c.JSON(http.StatusOK, resp)
}

// List returns every tracked attempt without session identifiers
func (h *LoginHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"attempts": h.tracker.Snapshot()})
}

// Forget drops a finished attempt
func (h *LoginHandlers) Forget(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.tracker.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Login attempt not found"})
		return
	}

	if !h.tracker.Forget(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "Login attempt still running"})
		return
	}
	h.board.Remove(id)

	c.JSON(http.StatusOK, gin.H{"message": "Forgotten"})
}

// CompleteTwoFactor delivers the cookies observed on the challenge page
func (h *LoginHandlers) CompleteTwoFactor(c *gin.Context) {
	var req struct {
		Ticket string `json:"ticket" binding:"required"`
		Cookie string `json:"cookie" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.bridge.Complete(req.Ticket, req.Cookie); err != nil {
		writeBridgeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Two-factor challenge completed"})
}

// AbandonTwoFactor cancels a pending challenge
func (h *LoginHandlers) AbandonTwoFactor(c *gin.Context) {
	var req struct {
		Ticket string `json:"ticket" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.bridge.Abandon(req.Ticket); err != nil {
		writeBridgeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Two-factor challenge abandoned"})
}

func writeBridgeError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	errorMsg := "Failed to settle two-factor challenge"

	// Map specific errors to appropriate status codes
	switch {
	case errors.Is(err, core.ErrTokenExpired):
		statusCode = http.StatusBadRequest
		errorMsg = "Ticket expired"
	case errors.Is(err, core.ErrInvalidToken):
		statusCode = http.StatusBadRequest
		errorMsg = "Invalid ticket"
	case errors.Is(err, twofactor.ErrUnknownChallenge):
		statusCode = http.StatusNotFound
		errorMsg = "Challenge not pending"
	case errors.Is(err, twofactor.ErrAlreadySettled):
		statusCode = http.StatusConflict
		errorMsg = "Challenge already settled"
	case errors.Is(err, core.ErrInvalidTwoFactorResult):
		statusCode = http.StatusUnprocessableEntity
		errorMsg = "Cookie lacks serviceToken, userId or cUserId"
	}

	c.JSON(statusCode, gin.H{"error": errorMsg})
}
