// Package auth issues and verifies the bearer tokens clients attach to API
// requests, and hashes account passwords.
package auth

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrInvalidToken covers every reason a token is refused: bad signature,
// expiry, wrong algorithm, or a missing subject.
var ErrInvalidToken = errors.New("auth: invalid token")

// Options controls signing and lifetime.
type Options struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512, default HS256
	TTL    time.Duration
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 7 * 24 * time.Hour}
}

// TokenService signs tokens whose subject is the user identity.
type TokenService struct {
	opts   Options
	method jwtlib.SigningMethod
	now    func() time.Time
}

func NewTokenService(opts Options) (*TokenService, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	return &TokenService{opts: opts, method: method, now: time.Now}, nil
}

// Generate returns a signed token for userID.
func (s *TokenService) Generate(userID string) (string, error) {
	now := s.now()
	claims := jwtlib.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(s.opts.TTL)),
	}
	signed, err := jwtlib.NewWithClaims(s.method, claims).SignedString(s.opts.Secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Verify parses token and returns the user identity it was issued for.
func (s *TokenService) Verify(token string) (string, error) {
	var claims jwtlib.RegisteredClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return s.opts.Secret, nil
	}, jwtlib.WithTimeFunc(s.now), jwtlib.WithValidMethods([]string{s.method.Alg()}))
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
