// Package handlers implements the thin control layer over the dispatch
// core's services: parse and validate the request, call the service, map
// the result (or error) onto an HTTP response.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/dispatcherr"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, errorResponse{Error: message})
}

// writeServiceError maps a dispatcherr.Error's Kind onto an HTTP status
// class so handlers never need their own switch on error sentinels.
func writeServiceError(c *gin.Context, err error) {
	de, ok := dispatcherr.As(err)
	if !ok {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case dispatcherr.KindValidation:
		status = http.StatusBadRequest
	case dispatcherr.KindPolicy:
		status = http.StatusConflict
	case dispatcherr.KindContention:
		status = http.StatusConflict
	case dispatcherr.KindNotFound:
		status = http.StatusNotFound
	case dispatcherr.KindForbidden:
		status = http.StatusForbidden
	case dispatcherr.KindExpiry:
		status = http.StatusGone
	case dispatcherr.KindFatal:
		status = http.StatusInternalServerError
	}

	c.JSON(status, errorResponse{Error: de.Message, Code: de.Code})
}
