package main

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	auth "github.com/chronosky/skywrite"
)

type scheduleRequest struct {
	Text         string `json:"text"`
	ScheduledFor string `json:"scheduledFor"`
}

// handleSchedule creates a scheduled post at chronosky through the
// authenticated request wrapper. The wrapper owns token refresh and the
// DPoP nonce dance; this handler is just a thin consumer.
func (s *server) handleSchedule(e echo.Context) error {
	scope, err := s.scopeID(e)
	if err != nil {
		return err
	}

	var req scheduleRequest
	if err := e.Bind(&req); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
	}

	if req.Text == "" || req.ScheduledFor == "" {
		return e.JSON(http.StatusBadRequest, map[string]string{"error": "text and scheduledFor are required"})
	}

	client, err := s.authedClient(scope)
	if err != nil {
		return err
	}

	var out map[string]any
	err = client.Do(e.Request().Context(), "POST", s.cfg.ChronoskyAPIURL+"/v1/schedules", req, &out)

	var notAuthed *auth.NotAuthenticatedError
	var expired *auth.SessionExpiredError
	if errors.As(err, &notAuthed) || errors.As(err, &expired) {
		return e.JSON(http.StatusUnauthorized, map[string]string{"error": "chronosky session expired, reconnect"})
	}
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, out)
}
