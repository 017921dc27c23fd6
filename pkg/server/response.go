package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

// response is the envelope every endpoint answers with.
type response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Code: http.StatusOK, Data: data})
}

// respondError maps an error kind onto an HTTP status. Internal errors get
// a generic message with the detail kept in the log.
func respondError(c *gin.Context, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		xlog.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		message = "internal error"
	}
	c.JSON(status, response{Code: status, Message: message})
}

func statusOf(err error) int {
	switch errdefs.Kind(err) {
	case "InvalidArgument":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "Auth":
		return http.StatusUnauthorized
	case "Conflict":
		return http.StatusConflict
	case "Transport", "ProtocolViolation":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
