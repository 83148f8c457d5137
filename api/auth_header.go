package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"prism-board/domain"
)

var errMissingAuthorization = domain.ErrNoToken

func bearerTokenFromHeader(header http.Header) (string, error) {
	return domain.BearerToken(header.Get(echo.HeaderAuthorization))
}
