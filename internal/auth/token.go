package auth

import (
	"time"

	"github.com/GianGuaz256/vending-server/internal/config"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ScopePayments = "payments:create payments:read"

	defaultTokenTTLMinutes = 10
)

// Claims carried by access tokens. Subject is the client row ID, mid the
// machine identifier it authenticated with.
type Claims struct {
	MachineID string `json:"mid"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(cfg config.Auth) *TokenIssuer {
	ttlMinutes := cfg.TokenTTLMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = defaultTokenTTLMinutes
	}

	return &TokenIssuer{
		secret: []byte(cfg.JWTSecret),
		ttl:    time.Duration(ttlMinutes) * time.Minute,
	}
}

func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

func (i *TokenIssuer) Issue(clientID uuid.UUID, machineID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		MachineID: machineID,
		Scope:     ScopePayments,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID.String(),
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "signing token")
	}
	return signed, expiresAt, nil
}

func (i *TokenIssuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
