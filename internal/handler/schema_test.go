package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/trip-tracker/internal/pathcorrection"
	"github.com/jengzang/trip-tracker/internal/remote"
	"github.com/jengzang/trip-tracker/internal/repository"
	"github.com/jengzang/trip-tracker/internal/service"
	"github.com/jengzang/trip-tracker/internal/trip"
)

func TestValidatorCompilesEverySchema(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	for _, name := range []string{"activity", "motion", "location", "geofence", "manual", "device", "car"} {
		assert.Contains(t, v.schemas, name)
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name   string
		schema string
		body   string
		valid  bool
	}{
		{"fix", "location", `{"lat":51.5,"lon":-0.12,"accuracy":8}`, true},
		{"fix missing accuracy", "location", `{"lat":51.5,"lon":-0.12}`, false},
		{"latitude out of range", "location", `{"lat":91,"lon":0,"accuracy":8}`, false},
		{"unknown field", "location", `{"lat":1,"lon":1,"accuracy":1,"bearing":3}`, false},
		{"car mode", "car", `{"link":"CAR_MODE","connected":false}`, true},
		{"car class out of range", "car", `{"link":"BLUETOOTH","connected":true,"device_class":-1}`, false},
		{"sensor toggle", "device", `{"sensors":{"GEOFENCE":false}}`, true},
		{"manual is not a sensor", "device", `{"sensors":{"MANUAL":true}}`, false},
		{"empty device", "device", `{}`, false},
		{"not json", "manual", `{"mode":`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.schema, []byte(tt.body))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	assert.Error(t, v.Validate("missing", []byte(`{}`)))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: trip x", repository.ErrNotFound), http.StatusNotFound},
		{pathcorrection.ErrRateLimited, http.StatusTooManyRequests},
		{pathcorrection.ErrNotEligible, http.StatusConflict},
		{trip.ErrTripActive, http.StatusConflict},
		{trip.ErrNoActiveTrip, http.StatusConflict},
		{trip.ErrInvalidTrigger, http.StatusBadRequest},
		{service.ErrBusy, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: refused", remote.ErrTransport), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
