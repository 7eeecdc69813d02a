package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"dispatch/internal/dispatcherr"
)

func TestWriteServiceError_MapsKindToStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", dispatcherr.ErrInvalidQuantity, http.StatusBadRequest},
		{"policy", dispatcherr.ErrActiveOrderExists, http.StatusConflict},
		{"contention", dispatcherr.ErrConcurrentRequest, http.StatusConflict},
		{"not_found", dispatcherr.ErrOrderNotFound, http.StatusNotFound},
		{"forbidden", dispatcherr.ErrForbidden, http.StatusForbidden},
		{"expiry", dispatcherr.ErrHoldExpired, http.StatusGone},
		{"fatal", dispatcherr.Fatal("X", "boom", errors.New("cause")), http.StatusInternalServerError},
		{"unknown", errors.New("plain error"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			writeServiceError(c, tc.err)
			if w.Code != tc.want {
				t.Errorf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
			}
		})
	}
}
