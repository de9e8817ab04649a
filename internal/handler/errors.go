package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jengzang/trip-tracker/internal/pathcorrection"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/internal/tracker"
	"github.com/jengzang/trip-tracker/internal/trip"
	"github.com/jengzang/trip-tracker/pkg/response"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pathcorrection.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, pathcorrection.ErrNotEligible),
		errors.Is(err, trip.ErrTripActive),
		errors.Is(err, trip.ErrNoActiveTrip),
		errors.Is(err, repository.ErrTripImmutable):
		return http.StatusConflict
	case errors.Is(err, trip.ErrInvalidTrigger):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBusy),
		errors.Is(err, tracker.ErrStopped),
		errors.Is(err, trip.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, remote.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, message string, err error) {
	response.Error(c, statusFor(err), message, err)
}
