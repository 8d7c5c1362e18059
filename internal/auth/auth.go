// Package auth gates the public surface with a pluggable bearer-token
// check. There is no user catalog here — only a yes/no decision over a
// JWT's validity, generalized from the teacher's per-user session auth.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/sundeep-k/voxqueue/internal/config"
)

// Validator decides whether a bearer token is acceptable. When disabled in
// configuration, every token (including an empty one) is accepted.
type Validator interface {
	Validate(token string) error
}

type jwtValidator struct {
	enabled bool
	secret  []byte
}

func NewValidator(cfg config.AuthConfig) Validator {
	return &jwtValidator{enabled: cfg.Enabled, secret: []byte(cfg.JwtSecretKey)}
}

func (v *jwtValidator) Validate(token string) error {
	if !v.enabled {
		return nil
	}
	if token == "" {
		return fmt.Errorf("missing token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	if claims, ok := parsed.Claims.(jwt.MapClaims); ok {
		if exp, ok := claims["exp"].(float64); ok && time.Unix(int64(exp), 0).Before(time.Now()) {
			return fmt.Errorf("token expired")
		}
	}
	return nil
}
