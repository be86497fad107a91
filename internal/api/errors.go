package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rollbook/rollbook/internal/protocol"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	errMalformedBody = echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
)

// newHTTPErrorHandler renders every error as {"message": "..."}. Anything that
// is not an *echo.HTTPError is logged and reported as a 500.
func newHTTPErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := http.StatusText(http.StatusInternalServerError)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(code)
			}
		} else {
			logger.Printf("ERROR: %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		}

		if c.Response().Committed {
			return
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, protocol.ErrorBody{Message: message})
		}
		if err != nil {
			logger.Printf("ERROR: failed to write error response: %v", err)
		}
	}
}
