package middleware

import (
	"github.com/cainmagi/dash-uploader/pkg/config"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// AddRequestId stores the request id in the echo context, generating
// one when the client did not send the header.
func AddRequestId(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqId := c.Request().Header.Get(config.HeaderRequestId)
		if reqId == "" {
			reqId = uuid.NewString()
		}
		c.Set(config.HeaderRequestId, reqId)
		c.Response().Header().Set(config.HeaderRequestId, reqId)
		return next(c)
	}
}
