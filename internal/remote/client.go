// Package remote is the HTTP client for the server of record.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jengzang/trip-tracker/internal/config"
	"github.com/jengzang/trip-tracker/internal/timeutil"
)

// ErrTransport wraps failures that never produced an HTTP response, or
// produced one that could not be decoded
var ErrTransport = errors.New("remote transport error")

// maxBatchSize is the server's limit for one batch upload
const maxBatchSize = 100

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an APIError
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// HTTPClient is the transport used by Client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides the trip and movement-event endpoints of the server
type Client struct {
	httpClient HTTPClient
	baseURL    string
	apiKey     string
	deviceID   string
	tokens     *TokenSource
}

// NewClient creates a client. A nil httpClient gets a default with the
// configured timeout; a nil clock uses wall time.
func NewClient(cfg config.RemoteConfig, deviceID string, httpClient HTTPClient, clock timeutil.Clock) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout.D()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		deviceID:   deviceID,
		tokens:     NewTokenSource(cfg.JWTSecret, deviceID, cfg.TokenTTL.D(), clock),
	}
}

// DeviceID returns the device this client uploads for
func (c *Client) DeviceID() string {
	return c.deviceID
}

// CreateTrip registers a trip. Repeating the call for the same local ID
// returns the same server trip.
func (c *Client) CreateTrip(ctx context.Context, req CreateTripRequest) (*CreateTripResponse, error) {
	var resp CreateTripResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/trips", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateTrip patches a trip by server ID
func (c *Client) UpdateTrip(ctx context.Context, serverID string, req UpdateTripRequest) (*TripDto, error) {
	var resp TripDto
	if err := c.do(ctx, http.MethodPatch, "/api/v1/trips/"+url.PathEscape(serverID), nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TripQuery filters ListTrips
type TripQuery struct {
	Status string
	From   *time.Time
	To     *time.Time
	Limit  int // 1-100
}

// ListTrips returns this device's trips as the server knows them
func (c *Client) ListTrips(ctx context.Context, q TripQuery) (*TripsListResponse, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.From != nil {
		params.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if q.To != nil {
		params.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		limit := q.Limit
		if limit > maxBatchSize {
			limit = maxBatchSize
		}
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp TripsListResponse
	path := "/api/v1/devices/" + url.PathEscape(c.deviceID) + "/trips"
	if err := c.do(ctx, http.MethodGet, path, params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTripLocations returns the fixes the server holds for a trip
func (c *Client) GetTripLocations(ctx context.Context, serverID string) (*TripLocationsResponse, error) {
	var resp TripLocationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/trips/"+url.PathEscape(serverID)+"/locations", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTripEvents returns the movement events the server holds for a trip
func (c *Client) GetTripEvents(ctx context.Context, serverID string) (*TripMovementEventsResponse, error) {
	var resp TripMovementEventsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/trips/"+url.PathEscape(serverID)+"/movement-events", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTripPath returns a trip's path, corrected when requested and available
func (c *Client) GetTripPath(ctx context.Context, serverID string, corrected bool, algorithm string) (*TripPathResponse, error) {
	params := url.Values{}
	params.Set("corrected", strconv.FormatBool(corrected))
	if algorithm != "" {
		params.Set("algorithm", algorithm)
	}

	var resp TripPathResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/trips/"+url.PathEscape(serverID)+"/path", params, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CorrectPath asks the server to snap a trip's path to the road network
func (c *Client) CorrectPath(ctx context.Context, serverID, algorithm string) (*PathCorrectionResponse, error) {
	var resp PathCorrectionResponse
	body := PathCorrectionRequest{Algorithm: algorithm}
	if err := c.do(ctx, http.MethodPost, "/api/v1/trips/"+url.PathEscape(serverID)+"/correct-path", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadEvent uploads a single movement event
func (c *Client) UploadEvent(ctx context.Context, req CreateMovementEventRequest) (*MovementEventUploadResponse, error) {
	var resp MovementEventUploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/movement-events", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadEvents uploads up to 100 events in one call. Per-event rejections are
// reported in the response, not as an error.
func (c *Client) UploadEvents(ctx context.Context, events []CreateMovementEventRequest) (*BatchMovementEventsResponse, error) {
	if len(events) == 0 {
		return &BatchMovementEventsResponse{}, nil
	}
	if len(events) > maxBatchSize {
		return nil, fmt.Errorf("batch of %d events exceeds limit %d", len(events), maxBatchSize)
	}

	var resp BatchMovementEventsResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/movement-events/batch", nil, BatchMovementEventsRequest{Events: events}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrTransport, err)
	}
	return nil
}

// errorMessage extracts a message from a JSON error body, falling back to
// the raw body or the status line
func errorMessage(body []byte, status string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return status
}
