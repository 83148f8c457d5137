package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps a domain error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	var (
		authErr *domain.AuthError
		valErr  *domain.ValidationError
		upErr   *domain.UploadError
		httpErr *echo.HTTPError
	)
	switch {
	case errors.As(err, &authErr):
		if authErr.Kind == domain.AuthUnavailable {
			return http.StatusServiceUnavailable, authErr.Error()
		}
		return http.StatusUnauthorized, authErr.Error()
	case errors.As(err, &valErr):
		return http.StatusBadRequest, valErr.Message
	case errors.As(err, &upErr):
		return http.StatusBadRequest, upErr.Message
	case errors.Is(err, domain.ErrAccountExists):
		return http.StatusConflict, domain.ErrAccountExists.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrNotFound.Error()
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found"
	case errors.As(err, &httpErr):
		if msg, ok := httpErr.Message.(string); ok {
			return httpErr.Code, msg
		}
		return httpErr.Code, http.StatusText(httpErr.Code)
	}
	return http.StatusInternalServerError, "Internal server error"
}

// ErrorHandler renders every handler error as {"error": message}.
func ErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.WithError(err).WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   c.Request().URL.Path,
			}).Error("request failed")
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, errorResponse{Error: msg})
		}
		if err != nil {
			logger.WithError(err).Debug("write error response")
		}
	}
}

// RequestLogger logs one logrus entry per request.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/ws"
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"method":     v.Method,
				"path":       v.URIPath,
				"status":     v.Status,
				"latency_ms": durationToMillis(v.Latency),
			})
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Debug("http.request")
			return nil
		},
	})
}

// Middleware returns the standard stack for the REST surface: panic recovery,
// gzip request bodies, a body limit and CORS.
func Middleware(origins []string, logger *log.Logger) []echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return []echo.MiddlewareFunc{
		middleware.Recover(),
		RequestLogger(logger),
		middleware.Decompress(),
		middleware.BodyLimit("10M"),
		middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
		}),
	}
}
