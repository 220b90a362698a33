package router

import (
	"time"

	"github.com/content-services/lecho/v3"
	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cainmagi/dash-uploader/pkg/config"
	"github.com/cainmagi/dash-uploader/pkg/handler"
	"github.com/cainmagi/dash-uploader/pkg/instrumentation"
	"github.com/cainmagi/dash-uploader/pkg/middleware"
)

func ConfigureEcho(uh *handler.UploadHandler) *echo.Echo {
	e := echo.New()
	// Add global middlewares
	echoLogger := lecho.From(log.Logger,
		lecho.WithTimestamp(),
		lecho.WithCaller(),
	)

	e.Use(middleware.AddRequestId)
	e.Use(lecho.Middleware(lecho.Config{
		Logger:              echoLogger,
		RequestIDHeader:     config.HeaderRequestId,
		RequestIDKey:        config.RequestIdLoggingKey,
		Skipper:             config.SkipLogging,
		RequestLatencyLevel: zerolog.WarnLevel,
		RequestLatencyLimit: 500 * time.Millisecond,
	}))
	if origins := config.Get().Upload.AllowedOrigins; len(origins) > 0 {
		e.Use(echo_middleware.CORSWithConfig(echo_middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{echo.OPTIONS, echo.GET, echo.POST},
		}))
	}

	// Add routes
	handler.RegisterPing(e)
	group := e.Group(config.Get().Server.Api)
	handler.RegisterUploadRoutes(group, uh)

	// Set error handler
	e.HTTPErrorHandler = config.CustomHTTPErrorHandler
	return e
}

func ConfigureEchoWithMetrics(uh *handler.UploadHandler, metrics *instrumentation.Metrics) *echo.Echo {
	e := ConfigureEcho(uh)
	e.Use(middleware.CreateMetricsMiddleware(metrics))
	return e
}
