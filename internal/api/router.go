// Package api serves the JSON endpoints the chat client talks to: account
// creation, login, token verification, profile updates and message relay,
// plus the socket upgrade route.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatpresence/internal/auth"
	"github.com/Tyrowin/chatpresence/internal/server"
	"github.com/Tyrowin/chatpresence/internal/store"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Hub    *server.Hub
	Users  store.UserStore
	Tokens *auth.TokenService

	// AuthRate limits signup/login attempts per client IP. Zero means 20
	// attempts per minute with a burst of 10.
	AuthRate  rate.Limit
	AuthBurst int
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.AuthRate == 0 {
		d.AuthRate = rate.Every(time.Minute / 20)
	}
	if d.AuthBurst <= 0 {
		d.AuthBurst = 10
	}

	h := &handlers{users: d.Users, tokens: d.Tokens, hub: d.Hub}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(), cors(), limitBody())

	var verify server.TokenVerifier
	if d.Tokens != nil {
		verify = d.Tokens.Verify
	}
	socket := gin.WrapF(server.NewWebSocketHandler(d.Hub, verify))
	r.GET("/ws", socket)
	r.GET("/socket", socket)

	r.GET("/api/status", gin.WrapF(server.HealthHandler))

	authRoutes := r.Group("/api/auth")
	limited := newIPLimiter(d.AuthRate, d.AuthBurst).middleware()
	authRoutes.POST("/signup", limited, h.signup)
	authRoutes.POST("/login", limited, h.login)
	authRoutes.GET("/check", auth.Middleware(d.Tokens), h.check)
	authRoutes.PUT("/update-profile", auth.Middleware(d.Tokens), h.updateProfile)

	messages := r.Group("/api/messages", auth.Middleware(d.Tokens))
	messages.POST("/send/:id", h.sendMessage)

	return r
}
