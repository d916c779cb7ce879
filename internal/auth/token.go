package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a bearer token fails signature or claim
// validation.
var ErrInvalidToken = errors.New("invalid bearer token")

type actorClaims struct {
	Name       string   `json:"name,omitempty"`
	Admin      bool     `json:"admin,omitempty"`
	SpaceGUIDs []string `json:"space_guids,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies actor bearer tokens with an HMAC secret
// shared with the token service.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec builds a codec from the shared secret. TTL bounds the
// lifetime of minted tokens; verification honours whatever expiry the token
// carries.
func NewTokenCodec(secret string, ttl time.Duration) (*TokenCodec, error) {
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a signed token for the actor.
func (c *TokenCodec) Mint(actor Actor, now time.Time) (string, error) {
	if actor.GUID == "" {
		return "", errors.New("auth: actor guid is required")
	}
	claims := actorClaims{
		Name:       actor.Name,
		Admin:      actor.Admin,
		SpaceGUIDs: actor.SpaceGUIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.GUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token and returns the actor it
// describes.
func (c *TokenCodec) Verify(raw string) (Actor, error) {
	claims := &actorClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{
		GUID:       claims.Subject,
		Name:       claims.Name,
		Admin:      claims.Admin,
		SpaceGUIDs: claims.SpaceGUIDs,
	}, nil
}
