package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/elskow/license-portal/internal/config"
)

// Claims is the session credential. LicenseValid and MustChangePassword are
// snapshots taken at issue time; protected requests re-derive both.
// PasswordStamp is the password's set time in Unix microseconds, so a token
// outlives neither a password change nor a reset in the same second.
type Claims struct {
	UserID             string `json:"uid"`
	Username           string `json:"username"`
	Role               Role   `json:"role"`
	SessionID          string `json:"sid"`
	MustChangePassword bool   `json:"mcp"`
	LicenseValid       bool   `json:"lic"`
	PasswordStamp      int64  `json:"pwd"`
	jwt.RegisteredClaims
}

// SessionIdentity is what a token is issued for.
type SessionIdentity struct {
	UserID             string
	Username           string
	Role               Role
	SessionID          string
	MustChangePassword bool
	LicenseValid       bool
	PasswordSetAt      time.Time
}

type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TokenIssuer struct {
	config *config.AuthConfig
	now    func() time.Time
}

func NewTokenIssuer(config *config.AuthConfig, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{config: config, now: now}
}

// Issue signs a token for id, stamped at now.
func (t *TokenIssuer) Issue(id SessionIdentity, now time.Time) (*IssuedToken, error) {
	expirationTime := now.Add(t.config.TokenExpiration)
	claims := &Claims{
		UserID:             id.UserID,
		Username:           id.Username,
		Role:               id.Role,
		SessionID:          id.SessionID,
		MustChangePassword: id.MustChangePassword,
		LicenseValid:       id.LicenseValid,
		PasswordStamp:      id.PasswordSetAt.UnixMicro(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ID:        id.SessionID,
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(t.config.JWTSecret))
	if err != nil {
		return nil, err
	}
	return &IssuedToken{Token: signed, ExpiresAt: expirationTime}, nil
}

func (t *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(t.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
