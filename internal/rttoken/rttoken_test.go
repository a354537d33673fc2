package rttoken

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "somesecret"

func makeToken(t *testing.T, origins []string, uses int, iat, exp time.Time) string {
	s, err := Sign(NewClaims(origins, uses, iat, exp), secret)
	require.NoError(t, err)
	return s
}

func TestCheckExpiry(t *testing.T) {

	now := time.Unix(1673952000, 0)
	origins := []string{`https://a\.example\.com`}
	s := makeToken(t, origins, 0, now.Add(-time.Hour), now.Add(time.Minute))

	tok, err := New(s, NewJWTDecoder(secret))
	require.NoError(t, err)

	assert.Equal(t, s[len(s)-HashLength:], tok.Hash)
	assert.Equal(t, now.Add(-time.Hour).Unix(), tok.IssuedAt.Unix())
	assert.Equal(t, now.Add(time.Minute).Unix(), tok.ExpiresAt.Unix())

	assert.NoError(t, tok.Check(now, "https://a.example.com"))
	assert.NoError(t, tok.Check(now.Add(59*time.Second), "https://a.example.com"))
	assert.Equal(t, ErrExpired, tok.Check(now.Add(time.Minute), "https://a.example.com"))
	assert.Equal(t, ErrExpired, tok.Check(now.Add(time.Hour), "https://a.example.com"))

	assert.False(t, tok.Expired(now))
	assert.True(t, tok.Expired(now.Add(time.Minute)))
}

func TestCheckOrigin(t *testing.T) {

	now := time.Now()
	origins := []string{`https://a\.example\.com`, `http://localhost:\d+`}
	s := makeToken(t, origins, 0, now, now.Add(time.Hour))

	tok, err := New(s, NewJWTDecoder(secret))
	require.NoError(t, err)

	assert.NoError(t, tok.Check(now, "https://a.example.com"))
	assert.NoError(t, tok.Check(now, "http://localhost:8080"))
	assert.Equal(t, ErrBadOrigin, tok.Check(now, "https://b.example.com"))
	assert.Equal(t, ErrBadOrigin, tok.Check(now, "https://A.example.com"))
	assert.Equal(t, ErrBadOrigin, tok.Check(now, "https://a.example.com.evil.org"))
	assert.Equal(t, ErrBadOrigin, tok.Check(now, "http://localhost:"))
	assert.Equal(t, ErrNoOrigin, tok.Check(now, ""))

	// no patterns admits nobody
	s = makeToken(t, []string{}, 0, now, now.Add(time.Hour))
	tok, err = New(s, NewJWTDecoder(secret))
	require.NoError(t, err)
	assert.Equal(t, ErrBadOrigin, tok.Check(now, "https://a.example.com"))
}

func TestNewRejects(t *testing.T) {

	now := time.Now()
	d := NewJWTDecoder(secret)

	_, err := New("short", d)
	assert.Equal(t, ErrTooShort, err)

	_, err = New("this.is.not.a.token.but.it.is.long.enough.to.try", d)
	assert.Error(t, err)

	// wrong secret
	s, err := Sign(NewClaims([]string{".*"}, 0, now, now.Add(time.Hour)), "othersecret")
	require.NoError(t, err)
	_, err = New(s, d)
	assert.Error(t, err)

	// bad pattern
	s = makeToken(t, []string{"(unclosed"}, 0, now, now.Add(time.Hour))
	_, err = New(s, d)
	assert.Error(t, err)

	// no expiry
	c := NewClaims([]string{".*"}, 0, now, now)
	c.ExpiresAt = nil
	s, err = Sign(c, secret)
	require.NoError(t, err)
	_, err = New(s, d)
	assert.Equal(t, ErrNoExpiry, err)

	// an already-expired token still decodes; Check rejects it
	s = makeToken(t, []string{".*"}, 0, now.Add(-2*time.Hour), now.Add(-time.Hour))
	tok, err := New(s, d)
	require.NoError(t, err)
	assert.Equal(t, ErrExpired, tok.Check(now, "https://a.example.com"))
}

type stubDecoder struct {
	claims Claims
	err    error
}

func (s stubDecoder) Decode(string) (Claims, error) {
	return s.claims, s.err
}

func TestDecoderInjection(t *testing.T) {

	now := time.Now()
	s := "0123456789012345678901234567890123456789abcdefghij"

	tok, err := New(s, stubDecoder{claims: NewClaims([]string{"x"}, 3, now, now.Add(time.Second))})
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", tok.Hash)
	assert.Equal(t, 3, tok.Uses)
	assert.NoError(t, tok.Check(now, "x"))

	_, err = New(s, stubDecoder{err: errors.New("bad")})
	assert.Error(t, err)
}
