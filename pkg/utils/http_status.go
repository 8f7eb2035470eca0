package utils

import (
	"context"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
)

type StatusMapping struct {
	Err    error
	Status int
}

// HTTPStatus picks the status of the first mapping err matches.
func HTTPStatus(err error, mappings ...StatusMapping) int {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			return m.Status
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
