// Package rttoken validates the admission tokens presented by connecting clients
package rttoken

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// MinTokenLength is the shortest token string that will be decoded
const MinTokenLength = 40

// HashLength is the number of trailing token characters used as its hash
const HashLength = 10

var (
	// ErrTooShort is returned for tokens shorter than MinTokenLength
	ErrTooShort = errors.New("token too short")
	// ErrNoExpiry is returned for tokens without an exp claim
	ErrNoExpiry = errors.New("token has no expiry")
	// ErrExpired is returned for tokens whose exp is in the past
	ErrExpired = errors.New("token expired")
	// ErrNoOrigin is returned when the request carries no Origin header
	ErrNoOrigin = errors.New("no origin")
	// ErrBadOrigin is returned when the origin matches none of the token's origins
	ErrBadOrigin = errors.New("origin not permitted")
)

// Claims are the fields carried by an admission token.
// Origins are regular expressions, matched against the whole origin.
// Uses limits the number of simultaneous connections; zero means unlimited.
type Claims struct {
	Origins []string `json:"origins"`

	Uses int `json:"uses,omitempty"`

	jwt.RegisteredClaims
}

// NewClaims returns Claims populated with the supplied information
func NewClaims(origins []string, uses int, iat, exp time.Time) Claims {
	return Claims{
		Origins: origins,
		Uses:    uses,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

// Decoder turns a token string into Claims, verifying its signature
type Decoder interface {
	Decode(token string) (Claims, error)
}

// Token is a decoded admission token
type Token struct {
	Hash      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Origins   []string
	Uses      int

	patterns []*regexp.Regexp
}

// New decodes s with d and returns the resulting Token.
// Expiry and origin are not checked here; call Check for that.
func New(s string, d Decoder) (*Token, error) {

	if len(s) < MinTokenLength {
		return nil, ErrTooShort
	}

	claims, err := d.Decode(s)

	if err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	if claims.ExpiresAt == nil {
		return nil, ErrNoExpiry
	}

	t := &Token{
		Hash:      s[len(s)-HashLength:],
		ExpiresAt: claims.ExpiresAt.Time,
		Origins:   claims.Origins,
		Uses:      claims.Uses,
	}

	if claims.IssuedAt != nil {
		t.IssuedAt = claims.IssuedAt.Time
	}

	for _, o := range claims.Origins {
		re, err := regexp.Compile("^(?:" + o + ")$")
		if err != nil {
			return nil, fmt.Errorf("origin pattern %q: %w", o, err)
		}
		t.patterns = append(t.patterns, re)
	}

	return t, nil
}

// Check returns nil if the token may be used at time now from origin
func (t *Token) Check(now time.Time, origin string) error {

	if !now.Before(t.ExpiresAt) {
		return ErrExpired
	}

	if origin == "" {
		return ErrNoOrigin
	}

	for _, re := range t.patterns {
		if re.MatchString(origin) {
			return nil
		}
	}

	return ErrBadOrigin
}

// Expired reports whether the token has expired at time now
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
