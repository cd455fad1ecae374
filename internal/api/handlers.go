package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/Tyrowin/chatpresence/internal/auth"
	"github.com/Tyrowin/chatpresence/internal/logger"
	"github.com/Tyrowin/chatpresence/internal/server"
	"github.com/Tyrowin/chatpresence/internal/store"
)

type handlers struct {
	users  store.UserStore
	tokens *auth.TokenService
	hub    *server.Hub
}

type signupRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Bio      string `json:"bio"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profileRequest struct {
	FullName   *string `json:"fullName"`
	Bio        *string `json:"bio"`
	ProfilePic *string `json:"profilePic"`
}

type messageRequest struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// fail answers a business-rule failure. The status stays 200 so clients can
// tell "the server said no" apart from a transport error.
func fail(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{"success": false, "message": message})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body"})
	logger.Debugf("Bad request body on %s: %v", c.Request.URL.Path, err)
}

func internalError(c *gin.Context, err error) {
	logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
}

func (h *handlers) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if strings.TrimSpace(req.FullName) == "" || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		fail(c, "Missing Details")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		internalError(c, err)
		return
	}

	user := &store.User{
		Email:        req.Email,
		FullName:     strings.TrimSpace(req.FullName),
		Bio:          req.Bio,
		PasswordHash: hash,
	}
	if err := h.users.Create(c.Request.Context(), user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			fail(c, "Account already exists")
			return
		}
		internalError(c, err)
		return
	}

	h.issue(c, user, "Account created successfully")
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.users.FindByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, store.ErrUserNotFound) {
		internalError(c, err)
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		logger.Infof("Failed login for %q from %s", store.NormalizeEmail(req.Email), c.ClientIP())
		fail(c, "Invalid credentials")
		return
	}

	h.issue(c, user, "Login successful")
}

func (h *handlers) issue(c *gin.Context, user *store.User, message string) {
	token, err := h.tokens.Generate(user.ID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"token":    token,
		"userData": user,
		"message":  message,
	})
}

func (h *handlers) check(c *gin.Context) {
	user, err := h.users.FindByID(c.Request.Context(), auth.UserID(c))
	if errors.Is(err, store.ErrUserNotFound) {
		fail(c, "User not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

func (h *handlers) updateProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.FullName != nil && strings.TrimSpace(*req.FullName) == "" {
		fail(c, "Full name cannot be empty")
		return
	}

	user, err := h.users.UpdateProfile(c.Request.Context(), auth.UserID(c), store.ProfilePatch{
		FullName:   req.FullName,
		Bio:        req.Bio,
		ProfilePic: req.ProfilePic,
	})
	if errors.Is(err, store.ErrUserNotFound) {
		fail(c, "User not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// sendMessage relays a message to the receiver's live connection. Nothing is
// stored; an offline receiver simply misses it.
func (h *handlers) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Text == "" && req.Image == "" {
		fail(c, "Message is empty")
		return
	}

	msg := server.ChatMessage{
		From:      auth.UserID(c),
		To:        c.Param("id"),
		Text:      req.Text,
		Image:     req.Image,
		CreatedAt: time.Now().UnixMilli(),
	}
	delivered := h.hub.EmitTo(msg.To, server.EventNewMessage, msg)

	c.JSON(http.StatusOK, gin.H{"success": true, "newMessage": msg, "delivered": delivered})
}
