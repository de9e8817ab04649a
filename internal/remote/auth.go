package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jengzang/trip-tracker/internal/timeutil"
)

const (
	tokenIssuer = "tripd"
	// A cached token is replaced this long before it expires
	tokenRefreshSkew = 30 * time.Second
)

// DeviceClaims identifies the uploading device
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 device tokens and caches the current one
type TokenSource struct {
	secret   []byte
	deviceID string
	ttl      time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource returns nil when no secret is configured
func NewTokenSource(secret, deviceID string, ttl time.Duration, clock timeutil.Clock) *TokenSource {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &TokenSource{secret: []byte(secret), deviceID: deviceID, ttl: ttl, clock: clock}
}

// Token returns a valid bearer token, minting a new one when needed
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.token != "" && now.Add(tokenRefreshSkew).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := DeviceClaims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}
	s.token, s.expires = signed, expires
	return signed, nil
}
