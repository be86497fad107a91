package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rollbook/rollbook/internal/auth"
	"github.com/rollbook/rollbook/internal/protocol"
)

const contextTeacherKey = "teacher_id"

// bearerAuth resolves the Authorization header to a teacher id.
func bearerAuth(authority *auth.Authority) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return errUnauthorized.WithInternal(err)
			}
			teacherID, err := authority.Verify(token)
			if err != nil {
				return errUnauthorized.WithInternal(err)
			}
			c.Set(contextTeacherKey, teacherID)
			return next(c)
		}
	}
}

// syncRequest is protocol.SyncRequest with the operations list required: a
// missing or null list is malformed, an empty one is not.
type syncRequest struct {
	Operations *[]protocol.Operation `json:"operations"`
}

func (s *server) sync(c echo.Context) error {
	teacherID, _ := c.Get(contextTeacherKey).(string)
	if teacherID == "" {
		return errUnauthorized
	}

	var req syncRequest
	if err := (&echo.DefaultBinder{}).BindBody(c, &req); err != nil {
		return errMalformedBody.WithInternal(err)
	}
	if req.Operations == nil {
		return errMalformedBody
	}
	ops := *req.Operations
	if n := len(ops); n > s.opts.MaxBatch {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d operations exceeds the limit of %d", n, s.opts.MaxBatch))
	}

	resp, err := s.opts.Reconciler.Reconcile(c.Request().Context(), teacherID, ops)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return c.JSON(http.StatusOK, resp)
}

type healthResponse struct {
	Status     string `json:"status"`
	ServerTime string `json:"server_time"`
}

func (s *server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:     "ok",
		ServerTime: protocol.FormatTime(time.Now()),
	})
}
