// Package errhttp maps domain sentinel errors to HTTP status codes.
// Add a case to mapErrorToStatus for each new domain sentinel error.
package errhttp

import (
	"errors"
	"net/http"

	"github.com/ghuser/activitypipeline/pkg/httpx"
	activitydomain "github.com/ghuser/activitypipeline/services/activity/domain"
)

// WriteError maps err to an HTTP status code and writes a JSON error response.
// Uses errors.Is() so wrapped sentinel errors are matched correctly.
// Server-side failures get a fixed message so broker and driver details stay in the logs.
func WriteError(w http.ResponseWriter, err error) {
	status := mapErrorToStatus(err)
	httpx.JSONError(w, status, publicMessage(err, status))
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, activitydomain.ErrInvalidEvent):
		return http.StatusBadRequest // 400
	case errors.Is(err, activitydomain.ErrPublishFailed):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

func publicMessage(err error, status int) string {
	switch {
	case status < http.StatusInternalServerError:
		return err.Error()
	case errors.Is(err, activitydomain.ErrPublishFailed):
		return "Failed to publish event to queue"
	default:
		return http.StatusText(status)
	}
}
