package http

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"crater-portal/internal/auth"
)

const (
	msgNoToken      = "No token, authorization denied."
	msgInvalidToken = "Token is not valid."
	msgTooMany      = "Too many requests, slow down."

	userIDKey = "userID"
)

// corsMiddleware answers for origins on the allow-list only. "*" allows any origin.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowAll := slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || slices.Contains(allowed, origin)) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Writer.Header().Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requireAuth resolves the bearer token to a user id before any handler runs.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := auth.BearerToken(header)
		if !ok {
			msg := msgInvalidToken
			if token == "" {
				msg = msgNoToken
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": msg})
			return
		}

		userID, err := h.tokens.Verify(token)
		if err != nil {
			h.logger.WithError(err).WithFields(requestFields(c)).Debug("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": msgInvalidToken})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.limiter.Allow(c.ClientIP()) {
			h.logger.WithFields(requestFields(c)).WithField("client", c.ClientIP()).Warn("rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": msgTooMany})
			return
		}
		c.Next()
	}
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := h.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		h.writeError(c, fmt.Errorf("panic: %v", recovered))
	})
}
