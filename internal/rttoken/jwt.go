package rttoken

import (
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v4"
)

// JWTDecoder decodes HMAC-signed JWTs. Time-based claims are not validated
// here because Token.Check does that against the engine's clock.
type JWTDecoder struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTDecoder returns a decoder for tokens signed with secret
func NewJWTDecoder(secret string) *JWTDecoder {
	return &JWTDecoder{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
	}
}

// Decode verifies the signature of s and returns its claims
func (d *JWTDecoder) Decode(s string) (claims Claims, err error) {

	defer func() {
		if r := recover(); r != nil {
			err = errors.New("token unprocessable")
		}
	}()

	_, err = d.parser.ParseWithClaims(s, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return d.secret, nil
	})

	return claims, err
}

// Sign returns claims as a JWT signed with secret using HS256
func Sign(claims Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
