// Package httperr turns backend and validation errors into inline JSON
// status messages for the portal's HTTP handlers.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// FromError maps err onto an *echo.HTTPError:
//   - *apiclient.ValidationError -> 400
//   - *apiclient.APIError        -> the backend's status and message
//   - *apiclient.NetworkError    -> 502
//   - *apiclient.InvalidResponseError -> 502
//   - anything else              -> 500 with the fallback message
func FromError(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var ve *apiclient.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ve.Message)
	}
	var ae *apiclient.APIError
	if errors.As(err, &ae) {
		status := ae.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return echo.NewHTTPError(status, ae.Message)
	}
	var ne *apiclient.NetworkError
	if errors.As(err, &ne) {
		return echo.NewHTTPError(http.StatusBadGateway, ne.Error())
	}
	var ie *apiclient.InvalidResponseError
	if errors.As(err, &ie) {
		return echo.NewHTTPError(http.StatusBadGateway, ie.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, fallback)
}
