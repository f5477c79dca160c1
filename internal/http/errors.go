package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"crater-portal/internal/domain"
)

const serverErrorMessage = "Server error."

// writeError maps domain errors to a status code and a {"message": ...} body.
// ErrInternal is checked first so partial-work failures never leak as 4xx.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, message := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(requestFields(c)).Error("request failed")
		body := gin.H{"message": serverErrorMessage}
		if h.opts.Development {
			body["error"] = err.Error()
		}
		c.AbortWithStatusJSON(status, body)
		return
	}

	h.logger.WithError(err).WithFields(requestFields(c)).Debug("request rejected")
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}

func classify(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, domain.ErrInternal):
		return http.StatusInternalServerError, serverErrorMessage
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, detail(err, domain.ErrInvalidInput)
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, msgInvalidToken
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusBadRequest, "Invalid credentials."
	case errors.Is(err, domain.ErrDuplicateEmail):
		return http.StatusBadRequest, "Email already in use."
	case errors.Is(err, domain.ErrNoPendingCode):
		return http.StatusNotFound, "No pending verification request for this email."
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found."
	case errors.Is(err, domain.ErrCodeExpired):
		return http.StatusBadRequest, "Verification code expired. Please request a new one."
	case errors.Is(err, domain.ErrInvalidCode):
		return http.StatusBadRequest, "Invalid verification code."
	case errors.Is(err, domain.ErrUnprocessableImage):
		return http.StatusUnprocessableEntity, "Image could not be processed."
	default:
		return http.StatusInternalServerError, serverErrorMessage
	}
}

// detail turns "invalid input: all fields are required" into
// "All fields are required."
func detail(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		msg = rest
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "Invalid request."
	}
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

func requestFields(c *gin.Context) logrus.Fields {
	return logrus.Fields{
		"method": c.Request.Method,
		"path":   c.Request.URL.Path,
	}
}
