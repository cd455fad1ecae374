package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatpresence/internal/auth"
	"github.com/Tyrowin/chatpresence/internal/logger"
	"github.com/Tyrowin/chatpresence/internal/server"
)

const maxBodyBytes = 4 << 20

// cors answers for the origins the server config allows, with credentials.
func cors() gin.HandlerFunc {
	allowHeaders := strings.Join([]string{"Content-Type", "Authorization", auth.HeaderToken}, ", ")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if !server.OriginAllowed(origin) {
			logger.Warnf("Blocked %s %s from disallowed origin %q", c.Request.Method, c.Request.URL.Path, origin)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Not allowed by CORS"})
			return
		}
		if origin != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s -> %d (%s) from %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	every   rate.Limit
	burst   int
	max     int
}

func newIPLimiter(every rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		buckets: make(map[string]*rate.Limiter),
		every:   every,
		burst:   burst,
		max:     10000,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.max {
			// start over rather than grow without bound
			l.buckets = make(map[string]*rate.Limiter)
		}
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[ip] = b
	}
	return b.Allow()
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Too many requests, slow down"})
			return
		}
		c.Next()
	}
}
